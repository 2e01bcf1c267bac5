package handlers

// CaptionResponse is the body of a successful prediction.
type CaptionResponse struct {
	Caption string `json:"caption"`
}

// TensorRequest carries a normalized 3xSxS tensor in CHW order.
type TensorRequest struct {
	Tensor []float32 `json:"tensor"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Device    string `json:"device"`
	VocabSize int    `json:"vocab_size"`
}
