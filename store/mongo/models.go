package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/request"
)

// ── Request model ─────────────────────────────────────────────────

// requestModel is the stored shape of a request. Active mirrors
// !Terminal() for the partial unique index.
type requestModel struct {
	ID             string                `bson:"_id"`
	BugReportID    string                `bson:"bug_report_id"`
	Report         reportModel           `bson:"report"`
	Status         string                `bson:"status"`
	Active         bool                  `bson:"active"`
	CurrentStage   string                `bson:"current_stage"`
	Stages         map[string]stageModel `bson:"stages"`
	LastSeq        map[string]int64      `bson:"last_seq"`
	ErrorMessage   string                `bson:"error_message,omitempty"`
	External       *issueRefModel        `bson:"external_ref,omitempty"`
	DispatchSeq    int64                 `bson:"dispatch_seq"`
	StageEnteredAt time.Time             `bson:"stage_entered_at"`
	ProcessingTime int64                 `bson:"processing_time"`
	CompletedAt    *time.Time            `bson:"completed_at,omitempty"`
	ExpiresAt      *time.Time            `bson:"expires_at,omitempty"`
	Version        int64                 `bson:"version"`
	CreatedAt      time.Time             `bson:"created_at"`
	UpdatedAt      time.Time             `bson:"updated_at"`
}

type reportModel struct {
	ID               string    `bson:"id"`
	Title            string    `bson:"title"`
	Description      string    `bson:"description"`
	Reporter         string    `bson:"reporter"`
	Environment      string    `bson:"environment,omitempty"`
	StepsToReproduce string    `bson:"steps_to_reproduce,omitempty"`
	ExpectedBehavior string    `bson:"expected_behavior,omitempty"`
	ActualBehavior   string    `bson:"actual_behavior,omitempty"`
	Attachments      []string  `bson:"attachments,omitempty"`
	Metadata         bson.D    `bson:"metadata,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
}

// stageModel keeps a stage output as a sub-document. Other outputs are
// kept verbatim in PayloadJSON.
type stageModel struct {
	Status      string    `bson:"status"`
	Timestamp   time.Time `bson:"timestamp"`
	Payload     bson.D    `bson:"payload,omitempty"`
	PayloadJSON string    `bson:"payload_json,omitempty"`
	Error       string    `bson:"error,omitempty"`
	Attempts    int       `bson:"attempts,omitempty"`
}

type issueRefModel struct {
	Number int    `bson:"number"`
	URL    string `bson:"url"`
	Title  string `bson:"title,omitempty"`
}

func toRequestModel(r *request.RequestState) (*requestModel, error) {
	rep, err := toReportModel(r.Report)
	if err != nil {
		return nil, err
	}

	stages := make(map[string]stageModel, len(r.Stages))
	for s, st := range r.Stages {
		m := stageModel{
			Status:    string(st.Status),
			Timestamp: st.Timestamp,
			Error:     st.Error,
			Attempts:  st.Attempts,
		}
		if len(st.Payload) > 0 {
			if doc, ok := jsonToDoc(st.Payload); ok && len(doc) > 0 {
				m.Payload = doc
			} else {
				m.PayloadJSON = string(st.Payload)
			}
		}
		stages[string(s)] = m
	}

	lastSeq := make(map[string]int64, len(r.LastSeq))
	for s, seq := range r.LastSeq {
		lastSeq[string(s)] = seq
	}

	var ext *issueRefModel
	if r.External != nil {
		ext = &issueRefModel{Number: r.External.Number, URL: r.External.URL, Title: r.External.Title}
	}

	return &requestModel{
		ID:             r.ID.String(),
		BugReportID:    r.BugReportID,
		Report:         rep,
		Status:         string(r.Status),
		Active:         !r.Terminal(),
		CurrentStage:   string(r.CurrentStage),
		Stages:         stages,
		LastSeq:        lastSeq,
		ErrorMessage:   r.ErrorMessage,
		External:       ext,
		DispatchSeq:    r.DispatchSeq,
		StageEnteredAt: r.StageEnteredAt,
		ProcessingTime: r.ProcessingTime.Nanoseconds(),
		CompletedAt:    r.CompletedAt,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func fromRequestModel(m *requestModel) (*request.RequestState, error) {
	parsedID, err := id.ParseRequestID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline/mongo: parse request id %q: %w", m.ID, err)
	}
	rep, err := fromReportModel(m.Report)
	if err != nil {
		return nil, err
	}

	stages := make(map[message.Stage]request.StageState, len(m.Stages))
	for s, sm := range m.Stages {
		st := request.StageState{
			Status:    message.Outcome(sm.Status),
			Timestamp: sm.Timestamp,
			Error:     sm.Error,
			Attempts:  sm.Attempts,
		}
		switch {
		case sm.Payload != nil:
			payload, err := bson.MarshalExtJSON(sm.Payload, false, false)
			if err != nil {
				return nil, fmt.Errorf("pipeline/mongo: stage %s payload: %w", s, err)
			}
			st.Payload = payload
		case sm.PayloadJSON != "":
			st.Payload = json.RawMessage(sm.PayloadJSON)
		}
		stages[message.Stage(s)] = st
	}

	lastSeq := make(map[message.Stage]int64, len(m.LastSeq))
	for s, seq := range m.LastSeq {
		lastSeq[message.Stage(s)] = seq
	}

	var ext *report.IssueRef
	if m.External != nil {
		ext = &report.IssueRef{Number: m.External.Number, URL: m.External.URL, Title: m.External.Title}
	}

	return &request.RequestState{
		ID:             parsedID,
		BugReportID:    m.BugReportID,
		Report:         rep,
		CurrentStage:   request.State(m.CurrentStage),
		Stages:         stages,
		LastSeq:        lastSeq,
		Status:         request.Status(m.Status),
		ErrorMessage:   m.ErrorMessage,
		External:       ext,
		DispatchSeq:    m.DispatchSeq,
		StageEnteredAt: m.StageEnteredAt,
		ProcessingTime: time.Duration(m.ProcessingTime),
		CompletedAt:    m.CompletedAt,
		ExpiresAt:      m.ExpiresAt,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func toReportModel(rep report.BugReport) (reportModel, error) {
	m := reportModel{
		ID:               rep.ID,
		Title:            rep.Title,
		Description:      rep.Description,
		Reporter:         rep.Reporter,
		Environment:      rep.Environment,
		StepsToReproduce: rep.StepsToReproduce,
		ExpectedBehavior: rep.ExpectedBehavior,
		ActualBehavior:   rep.ActualBehavior,
		Attachments:      rep.Attachments,
		CreatedAt:        rep.CreatedAt,
	}
	if len(rep.Metadata) > 0 {
		data, err := json.Marshal(rep.Metadata)
		if err != nil {
			return m, fmt.Errorf("pipeline/mongo: marshal report metadata: %w", err)
		}
		m.Metadata, _ = jsonToDoc(data)
	}
	return m, nil
}

func fromReportModel(m reportModel) (report.BugReport, error) {
	rep := report.BugReport{
		ID:               m.ID,
		Title:            m.Title,
		Description:      m.Description,
		Reporter:         m.Reporter,
		Environment:      m.Environment,
		StepsToReproduce: m.StepsToReproduce,
		ExpectedBehavior: m.ExpectedBehavior,
		ActualBehavior:   m.ActualBehavior,
		Attachments:      m.Attachments,
		CreatedAt:        m.CreatedAt,
	}
	if m.Metadata != nil {
		data, err := bson.MarshalExtJSON(m.Metadata, false, false)
		if err != nil {
			return rep, fmt.Errorf("pipeline/mongo: report metadata: %w", err)
		}
		if err := json.Unmarshal(data, &rep.Metadata); err != nil {
			return rep, fmt.Errorf("pipeline/mongo: report metadata: %w", err)
		}
	}
	return rep, nil
}

// jsonToDoc converts a JSON object to a BSON document. It reports false
// for any other JSON value.
func jsonToDoc(data []byte) (bson.D, bool) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, false
	}
	return doc, true
}
