package api

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/z-wentao/longscribe/pkg/models"
)

// jobEvent 推送给客户端的任务状态
type jobEvent struct {
	JobID     string       `json:"job_id"`
	Stage     models.Stage `json:"stage"`
	Progress  int          `json:"progress"`
	ErrorCode string       `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func eventOf(j *models.TranscriptionJob) jobEvent {
	return jobEvent{
		JobID:     j.JobID,
		Stage:     j.Stage,
		Progress:  j.Progress,
		ErrorCode: j.ErrorCode,
		Error:     j.Error,
		UpdatedAt: j.UpdatedAt,
	}
}

// handleJobStream 通过 WebSocket 推送任务进度，任务进入终态后关闭连接
func (s *Server) handleJobStream(c *gin.Context) {
	uid := userID(c)
	jobID := c.Param("id")

	// 升级前校验归属，错误仍以 JSON 返回
	job, err := s.orch.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 读取客户端关闭帧
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := eventOf(job)
	if err := conn.WriteJSON(last); err != nil {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for !job.Stage.IsTerminal() {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		job, err = s.orch.GetJob(c.Request.Context(), uid, jobID)
		if err != nil {
			// 任务被删除
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "job unavailable"))
			return
		}
		ev := eventOf(job)
		if ev == last {
			continue
		}
		last = ev
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Stage)))
}
