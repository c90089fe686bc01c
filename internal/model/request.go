package model

type ChatRequest struct {
	Message string        `json:"message"`
	File    *UploadedFile `json:"file,omitempty"`
}

// UploadedFile is the JSON form of an attachment; Data is base64.
type UploadedFile struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type UpdateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}
