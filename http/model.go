package http

type ExtractRequest struct {
	Source string `json:"source" binding:"required"`
}

type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
