package coordinator

import (
	"context"
	"slices"
	"strings"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
)

// GetStatus returns the request or an error wrapping pipeline.ErrNotFound.
func (c *Coordinator) GetStatus(ctx context.Context, requestID id.RequestID) (*request.RequestState, error) {
	return c.store.Get(ctx, requestID)
}

// Page is one page of ListActive results.
type Page struct {
	Requests []*request.RequestState `json:"requests"`

	// NextCursor is passed as ListOpts.Cursor to fetch the next page. It
	// is empty on the last page.
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListActive pages through requests matching filter in request id order.
// The zero Filter matches non-terminal requests only.
func (c *Coordinator) ListActive(ctx context.Context, filter request.Filter, opts request.ListOpts) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = request.DefaultPageSize
	}

	var all []*request.RequestState
	for r, err := range c.store.Scan(ctx, filter) {
		if err != nil {
			return nil, err
		}
		if opts.Cursor != "" && r.ID.String() <= opts.Cursor {
			continue
		}
		all = append(all, r)
	}
	slices.SortFunc(all, func(a, b *request.RequestState) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	page := &Page{Requests: all}
	if len(all) > limit {
		page.Requests = all[:limit]
		page.NextCursor = all[limit-1].ID.String()
	}
	return page, nil
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the health of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is the aggregate health report.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`

	// Backlog is the number of undelivered or unacknowledged messages per
	// consumer group, keyed by topic. -1 means unknown.
	Backlog map[string]int64 `json:"backlog"`
}

// Health checks bus and store connectivity and reads the backlog of every
// stage topic and the status topic.
func (c *Coordinator) Health(ctx context.Context) *Health {
	h := &Health{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, 2),
		Backlog:    make(map[string]int64, len(message.Order)+1),
	}

	check := func(name string, err error) {
		if err != nil {
			h.Status = StatusUnhealthy
			h.Components[name] = ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
			return
		}
		h.Components[name] = ComponentHealth{Status: StatusHealthy}
	}
	check("bus", c.bus.Ping(ctx))
	check("store", c.store.Ping(ctx))

	groups := map[string]string{message.TopicStatusUpdates: message.CoordinatorGroup}
	for _, s := range message.Order {
		groups[s.Topic()] = s.Group()
	}
	for topic, group := range groups {
		n, err := c.bus.Backlog(ctx, topic, group)
		if err != nil {
			n = -1
		}
		h.Backlog[topic] = n
	}
	return h
}
