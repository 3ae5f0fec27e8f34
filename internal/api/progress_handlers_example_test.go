package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/progress/sinks"
)

// ExampleProgressHandler_ListSpiders shows how to serve the /v1/spiders endpoint.
func ExampleProgressHandler_ListSpiders() {
	source := sinks.NewStateSink()
	handler := NewProgressHandler(source, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/spiders?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListSpiders(rec, req)

	var payload struct {
		Spiders []map[string]any `json:"spiders"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned spiders: %d of %d\n", len(payload.Spiders), payload.Total)
	// Output:
	// returned spiders: 0 of 0
}
