package models

import "encoding/json"

// EncodeJob 序列化任务（包含 API 不暴露的内部字段）
func EncodeJob(j *TranscriptionJob) ([]byte, error) {
	return json.Marshal(persistedJob{
		TranscriptionJob: *j,
		SourceKey:        j.SourceKey,
		AudioKey:         j.AudioKey,
		TranscriptKey:    j.TranscriptKey,
		RunToken:         j.RunToken,
	})
}

// DecodeJob 反序列化 EncodeJob 的结果
func DecodeJob(data []byte) (*TranscriptionJob, error) {
	var p persistedJob
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	job := p.TranscriptionJob
	job.SourceKey = p.SourceKey
	job.AudioKey = p.AudioKey
	job.TranscriptKey = p.TranscriptKey
	job.RunToken = p.RunToken
	return &job, nil
}

// CloneJob 深拷贝任务
func CloneJob(j *TranscriptionJob) *TranscriptionJob {
	data, err := EncodeJob(j)
	if err != nil {
		panic(err)
	}
	out, err := DecodeJob(data)
	if err != nil {
		panic(err)
	}
	return out
}

// Clone 通过 JSON 往返深拷贝普通记录
func Clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
