package alert

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/store"
)

func near(got any, want float64) bool {
	f, ok := got.(float64)
	return ok && math.Abs(f-want) < 1e-9
}

type policyStub struct {
	docs []docstore.PolicyDocument
	err  error
}

func (s *policyStub) List(context.Context, string, int, int) ([]docstore.PolicyDocument, error) {
	return s.docs, s.err
}

type emitterStub struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (e *emitterStub) EmitAlert(_, _ string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, payload)
}

func (e *emitterStub) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.payloads)
}

type notifierStub struct {
	recipients []string
	subject    string
	err        error
	calls      int
}

func (n *notifierStub) Notify(_ context.Context, recipients []string, subject, _ string) error {
	n.calls++
	n.recipients = recipients
	n.subject = subject
	return n.err
}

func alertingPolicy(budget docstore.BudgetRule) []docstore.PolicyDocument {
	return []docstore.PolicyDocument{{
		TeamID:   "team-a",
		PolicyID: "default",
		Budgets:  []docstore.BudgetRule{budget},
	}}
}

func globalEvent() []store.Event {
	return []store.Event{{TraceID: "t1", Model: "gpt-4o"}}
}

func TestProcessEventsFiresThreshold(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "monthly cap", Type: "global", Limit: 100, Spent: 85,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 1 {
		t.Fatalf("emitted %d alerts, want 1", emitter.count())
	}
	got := emitter.payloads[0]
	if got["type"] != "budget-alert" || got["alert_type"] != TypeThreshold {
		t.Errorf("payload = %v", got)
	}
	if !near(got["threshold"], 80) || !near(got["spent_percent"], 85) {
		t.Errorf("threshold=%v spent_percent=%v", got["threshold"], got["spent_percent"])
	}
	if got["budget_id"] != "b1" || got["budget_name"] != "monthly cap" {
		t.Errorf("budget fields = %v", got)
	}
}

func TestProcessEventsBelowThreshold(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 50,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 0 {
		t.Fatalf("emitted %d alerts below threshold, want 0", emitter.count())
	}
}

func TestProcessEventsSkipsDisabledAlerts(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 90,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: false}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 0 {
		t.Fatalf("emitted %d alerts from a disabled rule, want 0", emitter.count())
	}
}

func TestProcessEventsCooldownSuppressesRepeat(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 85,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())
	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 1 {
		t.Fatalf("emitted %d alerts across two batches, want 1", emitter.count())
	}
}

func TestProcessEventsLimitActionFiresSeparately(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 105,
		LimitAction: "throttle",
		Alerts:      []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 2 {
		t.Fatalf("emitted %d alerts, want threshold plus limit action", emitter.count())
	}
	var sawLimitAction bool
	for _, payload := range emitter.payloads {
		if payload["alert_type"] == TypeLimitAction {
			sawLimitAction = true
			if payload["action"] != "throttle" {
				t.Errorf("action = %v, want throttle", payload["action"])
			}
		}
	}
	if !sawLimitAction {
		t.Error("no limit_action alert emitted")
	}
}

func TestProcessEventsScopeFiltering(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "support-bot", Type: "agent", Limit: 100, Spent: 90,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", []store.Event{{Agent: "billing-bot"}})
	if emitter.count() != 0 {
		t.Fatalf("agent budget fired for an unrelated agent")
	}

	p.ProcessEvents(context.Background(), "team-a", []store.Event{{Agent: "support-bot"}})
	if emitter.count() != 1 {
		t.Fatalf("emitted %d alerts for a matching agent, want 1", emitter.count())
	}
}

func TestProcessEventsSendsEmail(t *testing.T) {
	emitter := &emitterStub{}
	notifier := &notifierStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 85,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
		Notifications: docstore.BudgetNotifications{
			Email: true, EmailRecipients: []string{"ops@example.com"},
		},
	})}, emitter, WithNotifier(notifier))

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if notifier.calls != 1 {
		t.Fatalf("notifier called %d times, want 1", notifier.calls)
	}
	if len(notifier.recipients) != 1 || notifier.recipients[0] != "ops@example.com" {
		t.Errorf("recipients = %v", notifier.recipients)
	}
	if notifier.subject == "" {
		t.Error("empty subject")
	}
}

func TestProcessEventsEmailFailureStillEmitsInApp(t *testing.T) {
	emitter := &emitterStub{}
	notifier := &notifierStub{err: errors.New("relay down")}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 85,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
		Notifications: docstore.BudgetNotifications{
			Email: true, EmailRecipients: []string{"ops@example.com"},
		},
	})}, emitter, WithNotifier(notifier))

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	if emitter.count() != 1 {
		t.Fatalf("in-app alert lost when email failed")
	}
}

func TestProcessEventsDeliversWebhook(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{docs: alertingPolicy(docstore.BudgetRule{
		ID: "b1", Name: "cap", Type: "global", Limit: 100, Spent: 85,
		Alerts: []docstore.BudgetAlert{{Threshold: 80, Enabled: true}},
		Notifications: docstore.BudgetNotifications{
			Webhook: true, WebhookURL: srv.URL,
		},
	})}, emitter)

	p.ProcessEvents(context.Background(), "team-a", globalEvent())

	select {
	case body := <-received:
		if body["budget_id"] != "b1" || body["alert_type"] != TypeThreshold {
			t.Errorf("webhook body = %v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestProcessEventsPolicyLoadFailure(t *testing.T) {
	emitter := &emitterStub{}
	p := NewPipeline(&policyStub{err: errors.New("docstore down")}, emitter)

	// Must not panic and must not emit.
	p.ProcessEvents(context.Background(), "team-a", globalEvent())
	if emitter.count() != 0 {
		t.Fatalf("emitted %d alerts without policies", emitter.count())
	}
}

func TestProcessEventsEmptyBatch(t *testing.T) {
	stub := &policyStub{}
	p := NewPipeline(stub, &emitterStub{})
	p.ProcessEvents(context.Background(), "team-a", nil)
}
