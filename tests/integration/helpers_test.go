//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/sms-courier/internal/campaigns"
	"github.com/bissquit/sms-courier/internal/domain"
	"github.com/bissquit/sms-courier/internal/testutil"
)

func decodeBody(r *http.Request, v any) {
	_ = json.NewDecoder(r.Body).Decode(v)
}

// dataEnvelope mirrors the API's {"data": ...} response wrapper.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var envelope dataEnvelope[T]
	testutil.DecodeJSON(t, resp, &envelope)
	return envelope.Data
}

// waitForState polls the campaign until it reaches the wanted state or
// the deadline expires.
func waitForState(t *testing.T, client *testutil.Client, id string, want domain.CampaignState) campaigns.CampaignStatus {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.GET("/api/v1/campaigns/" + id)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		status := decodeData[campaigns.CampaignStatus](t, resp)
		if status.State == want {
			return status
		}
		if status.State.Terminal() {
			t.Fatalf("campaign %s ended in %s, wanted %s", id, status.State, want)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("campaign %s did not reach %s in time", id, want)
	return campaigns.CampaignStatus{}
}
