package storage

import (
	"encoding/json"
	"fmt"

	"tutor-backend/internal/model"
)

func encodeSnapshot(sessions []model.Session, maxBytes int) ([]byte, error) {
	if sessions == nil {
		sessions = []model.Session{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: snapshot is %d bytes, limit %d", ErrQuotaExceeded, len(data), maxBytes)
	}
	return data, nil
}

func decodeSnapshot(data []byte) ([]model.Session, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var sessions []model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return sessions, nil
}
