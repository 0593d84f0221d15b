package twilio

import (
	"fmt"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// RecentCallLimit is how many calls the observer listing asks the provider for
const RecentCallLimit = 20

// CallLister is satisfied by the twilio-go Api service
type CallLister interface {
	ListCall(params *api.ListCallParams) ([]api.ApiV2010Call, error)
}

// CallDirectory reads recent call metadata from the provider REST API.
// A directory built without credentials is disabled and lists nothing.
type CallDirectory struct {
	lister  CallLister
	enabled bool
}

// NewCallDirectory creates a directory; empty credentials disable it
func NewCallDirectory(accountSID, authToken string) *CallDirectory {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, call listing falls back to local transcripts")
		return &CallDirectory{enabled: false}
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewCallDirectoryWithLister(client.Api)
}

// NewCallDirectoryWithLister wraps an existing lister
func NewCallDirectoryWithLister(lister CallLister) *CallDirectory {
	return &CallDirectory{lister: lister, enabled: lister != nil}
}

// IsEnabled returns whether the directory can reach the provider
func (d *CallDirectory) IsEnabled() bool {
	return d != nil && d.enabled
}

// RecentCalls returns up to RecentCallLimit calls that are in progress or completed
func (d *CallDirectory) RecentCalls() ([]domain.CallSummary, error) {
	if !d.IsEnabled() {
		return nil, fmt.Errorf("twilio call directory is disabled")
	}

	params := &api.ListCallParams{}
	params.SetLimit(RecentCallLimit)

	calls, err := d.lister.ListCall(params)
	if err != nil {
		logger.Base().Error("Failed to list Twilio calls", zap.Error(err))
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	out := make([]domain.CallSummary, 0, len(calls))
	for _, c := range calls {
		status := deref(c.Status)
		if status != domain.CallStatusInProgress && status != domain.CallStatusCompleted {
			continue
		}
		out = append(out, domain.CallSummary{
			Sid:       deref(c.Sid),
			From:      deref(c.From),
			To:        deref(c.To),
			Status:    status,
			Duration:  deref(c.Duration),
			StartTime: deref(c.StartTime),
		})
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
