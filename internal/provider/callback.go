package provider

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// ParseCallback turns an inbound webhook body into a completion signal. Only
// the task id and a recognised status are required; the correlation token
// comes from the callback URL's query.
func ParseCallback(body []byte, query url.Values, deliveryID string, now time.Time) (domain.Signal, error) {
	resp, err := parseResponse(body)
	if err != nil {
		return domain.Signal{}, err
	}
	if resp.TaskID == "" {
		return domain.Signal{}, fmt.Errorf("callback has no task_id")
	}
	status, ok := NormalizeStatus(resp.Status)
	if !ok {
		return domain.Signal{}, fmt.Errorf("callback for task %s has unknown status %q", resp.TaskID, resp.Status)
	}

	corr := ParseCorrelation(query)
	sig := domain.Signal{
		TaskID:      resp.TaskID,
		KindHint:    corr.Kind,
		Status:      status,
		OutputRef:   resp.OutputRef,
		Correlation: corr,
		Source:      domain.SourceWebhook,
		DeliveryID:  deliveryID,
		ReceivedAt:  now,
	}
	if status == domain.StatusFailed {
		msg := resp.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		sig.Error = &domain.Failure{Reason: domain.ReasonProviderFailed, Message: msg}
	}
	return sig, nil
}
