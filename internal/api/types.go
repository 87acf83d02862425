package api

import (
	"encoding/json"
	"fmt"

	"github.com/park285/pet-lobby-client/internal/stats"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

// Error는 백엔드가 돌려준 거절 (예: PET_NOT_FOUND).
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("api %s: %s", e.Code, e.Message) }

// StatusError는 2xx가 아닌 HTTP 응답.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status=%d body=%s", e.Status, e.Body)
}

type PetStatus struct {
	PetID   int64  `json:"pet_id"`
	PetName string `json:"pet_name"`
	Energy  int    `json:"energy"`
	Status  string `json:"status"`
	Score   int    `json:"score"`
}

// Stats는 범위 보정된 에너지/점수를 반환.
func (p *PetStatus) Stats() stats.Pair {
	return stats.Pair{Energy: p.Energy, Score: p.Score}.Clamped()
}
