package storage

import (
	"context"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/mock"
)

// MockBackend implements the Backend interface for testing
type MockBackend struct {
	mock.Mock
}

// Get implements the Backend interface
func (m *MockBackend) Get(ctx context.Context, path string) (*Record, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Record), args.Error(1)
}

// List implements the Backend interface
func (m *MockBackend) List(ctx context.Context) ([]*Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Record), args.Error(1)
}

// Apply implements the Backend interface
func (m *MockBackend) Apply(ctx context.Context, puts []*Record, deletes []string) error {
	args := m.Called(ctx, puts, deletes)
	return args.Error(0)
}

// --- Helper methods for creating test data ---

// NewMockEvent returns the iCalendar text of a single VEVENT.
func NewMockEvent(uid, summary string, start, end time.Time) string {
	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	return mustICS(event)
}

// NewMockRecurringEvent returns a VEVENT repeating by rrule.
func NewMockRecurringEvent(uid, summary string, start, end time.Time, rrule string) string {
	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = rrule
	event.Props.Set(rule)
	return mustICS(event)
}

// NewMockTodo returns the iCalendar text of a VTODO with a due date.
func NewMockTodo(uid, summary string, due time.Time) string {
	todo := ical.NewComponent(ical.CompToDo)
	todo.Props.SetText(ical.PropUID, uid)
	todo.Props.SetText(ical.PropSummary, summary)
	todo.Props.SetDateTime(ical.PropDateTimeStamp, due.UTC())
	todo.Props.SetDateTime(ical.PropDue, due)
	return mustICS(todo)
}

func mustICS(comps ...*ical.Component) string {
	text, err := ComponentsToICS(comps...)
	if err != nil {
		panic(err)
	}
	return text
}

// --- Convenience methods for setting up common test scenarios ---

// SetupEmpty makes the mock behave as an empty, healthy backend.
func (m *MockBackend) SetupEmpty() {
	m.On("List", mock.Anything).Return([]*Record{}, nil)
	m.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

// FailApplies replaces the Apply expectation with one returning err.
func (m *MockBackend) FailApplies(err error) {
	m.ExpectedCalls = removeMatchingCalls(m.ExpectedCalls, "Apply")
	m.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return(err)
}

// Helper to remove existing mock calls for a method
func removeMatchingCalls(calls []*mock.Call, method string) []*mock.Call {
	result := make([]*mock.Call, 0, len(calls))
	for _, call := range calls {
		if call.Method == method {
			continue
		}
		result = append(result, call)
	}
	return result
}
