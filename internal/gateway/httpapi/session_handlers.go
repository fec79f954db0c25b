package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/okapi"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (g *Gateway) sessionRoutes() {
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Open a chat session on a sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.ChatSession{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List the sessions of a sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]domain.ChatSession{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Delete a session and its messages"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/messages", g.handleSessionMessages,
		okapi.DocSummary("Get the message history of a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]domain.ChatMessage{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/approvals", g.handleSessionApprovals,
		okapi.DocSummary("List pending approvals of a session"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]approval.PendingApproval{}),
	)
	g.group.Post("/sessions/{id}/turns", g.handleTurn,
		okapi.DocSummary("Send a message and stream the agent turn as server-sent events"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(TurnRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/approvals/{id}", g.handleApprovalGet,
		okapi.DocSummary("Get an approval"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(approval.PendingApproval{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}", g.handleApprovalDecide,
		okapi.DocSummary("Approve or deny a pending action and stream the resumed turn"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(ApprovalDecision{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
}

// SessionRequest is the JSON body for POST /v1/sessions.
type SessionRequest struct {
	SandboxID string `json:"sandbox_id"`
	Title     string `json:"title,omitempty"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	userID := c.GetString("userID")
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	sandboxID, err := uuid.Parse(req.SandboxID)
	if err != nil {
		return c.AbortBadRequest("invalid sandbox_id")
	}
	sb, err := g.svc.Sandboxes.Get(c.Context(), sandboxID)
	if err != nil {
		return g.fail(c, "session create", err)
	}
	if sb.State == domain.StateDestroying || sb.State == domain.StateDestroyed {
		return g.fail(c, "session create", &domain.TransitionError{Op: "open a session on", State: sb.State})
	}
	session := &domain.ChatSession{
		SandboxID: sb.ID,
		ProjectID: sb.ProjectID,
		UserID:    userID,
		Title:     req.Title,
	}
	if err := g.svc.Sessions.CreateSession(c.Context(), session); err != nil {
		return g.fail(c, "session create", err)
	}
	g.logger.Info("session created",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID.String()),
		slog.String("sandbox_id", sb.ID.String()),
	)
	return c.JSON(http.StatusCreated, session)
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	sandboxID, err := uuid.Parse(query(c, "sandbox_id"))
	if err != nil {
		return c.AbortBadRequest("sandbox_id query parameter is required")
	}
	sessions, err := g.svc.Sessions.ListSessions(c.Context(), sandboxID)
	if err != nil {
		return g.fail(c, "session list", err)
	}
	return c.OK(sessions)
}

// session loads the {id} session and checks it belongs to the caller.
// Sessions of other users are reported as missing.
func (g *Gateway) session(c *okapi.Context) (*domain.ChatSession, error) {
	id, ok := pathID(c)
	if !ok {
		return nil, errInvalidID
	}
	sess, err := g.svc.Sessions.GetSession(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != "" && sess.UserID != c.GetString("userID") {
		return nil, fmt.Errorf("session %w", domain.ErrNotFound)
	}
	return sess, nil
}

var errInvalidID = errors.New("invalid session ID")

func (g *Gateway) sessionError(c *okapi.Context, op string, err error) error {
	if errors.Is(err, errInvalidID) {
		return c.AbortBadRequest(err.Error())
	}
	return g.fail(c, op, err)
}

// handleSessionDelete removes a session that has no running turn.
func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	sess, err := g.session(c)
	if err != nil {
		return g.sessionError(c, "session delete", err)
	}
	if g.svc.Turns.Busy(sess.ID) {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "session has a running turn"})
	}
	if err := g.svc.Sessions.DeleteSession(c.Context(), sess.ID); err != nil {
		return g.fail(c, "session delete", err)
	}
	g.svc.Turns.Forget(sess.ID)
	g.logger.Info("session deleted",
		slog.String("user_id", c.GetString("userID")),
		slog.String("session_id", sess.ID.String()),
	)
	return c.OK(okapi.M{"status": "deleted"})
}

func (g *Gateway) handleSessionMessages(c *okapi.Context) error {
	sess, err := g.session(c)
	if err != nil {
		return g.sessionError(c, "session messages", err)
	}
	limit, err := parseLimit(query(c, "limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	msgs, err := g.svc.Sessions.LoadMessages(c.Context(), sess.ID, limit)
	if err != nil {
		return g.fail(c, "session messages", err)
	}
	return c.OK(msgs)
}

func (g *Gateway) handleSessionApprovals(c *okapi.Context) error {
	sess, err := g.session(c)
	if err != nil {
		return g.sessionError(c, "session approvals", err)
	}
	pending, err := g.svc.Approvals.ListPending(c.Context(), sess.ID)
	if err != nil {
		return g.fail(c, "session approvals", err)
	}
	return c.OK(pending)
}

// TurnRequest is the JSON body for POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// handleTurn runs one agent turn and streams its events. Closing the
// connection cancels the turn.
func (g *Gateway) handleTurn(c *okapi.Context) error {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}
	sess, err := g.session(c)
	if err != nil {
		return g.sessionError(c, "turn", err)
	}
	if !sess.IsActive {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "session is closed"})
	}
	userID := c.GetString("userID")
	s, err := g.svc.Turns.Turn(c.Context(), agent.TurnRequest{
		SessionID: sess.ID,
		UserID:    userID,
		Message:   req.Message,
	})
	if err != nil {
		return g.fail(c, "turn", err)
	}
	g.logger.Debug("turn started",
		slog.String("user_id", userID),
		slog.String("session_id", sess.ID.String()),
	)
	g.streamEvents(c, s.Events())
	return nil
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	pa, err := g.svc.Approvals.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, "approval", err)
	}
	return c.OK(pa)
}

// ApprovalDecision is the JSON body for POST /v1/approvals/{id}.
type ApprovalDecision struct {
	Decision string `json:"decision"` // "approve" or "deny"
}

// approved parses the decision.
func (d ApprovalDecision) approved() (bool, error) {
	switch d.Decision {
	case "approve":
		return true, nil
	case "deny":
		return false, nil
	}
	return false, errors.New(`decision must be "approve" or "deny"`)
}

func (g *Gateway) handleApprovalDecide(c *okapi.Context) error {
	userID := c.GetString("userID")
	approvalID := c.Param("id")

	var req ApprovalDecision
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	approved, err := req.approved()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	pa, err := g.svc.Approvals.Get(c.Context(), approvalID)
	if err != nil {
		return g.fail(c, "approval", err)
	}
	switch pa.Status {
	case approval.StatusPending:
	case approval.StatusExpired:
		return g.fail(c, "approval", approval.ErrExpired)
	default:
		return g.fail(c, "approval", approval.ErrAlreadyResolved)
	}

	g.logger.Info("http approval",
		slog.String("user_id", userID),
		slog.String("approval_id", approvalID),
		slog.String("decision", req.Decision),
	)
	s, err := g.svc.Turns.Resume(c.Context(), pa.SessionID, agent.ResumeRequest{
		ApprovalID: approvalID,
		Approved:   approved,
		Resolver:   userID,
	})
	if err != nil {
		return g.fail(c, "approval", err)
	}
	g.streamEvents(c, s.Events())
	return nil
}

// --- Policies ---

func (g *Gateway) handlePolicyGet(c *okapi.Context) error {
	policy, err := g.svc.Policies.Resolve(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, "policy", err)
	}
	return c.OK(policy)
}

func (g *Gateway) handlePolicyPut(c *okapi.Context) error {
	var policy domain.Policy
	if err := c.Bind(&policy); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	projectID := c.Param("id")
	if policy.ProjectID != "" && policy.ProjectID != projectID {
		return c.AbortBadRequest("project_id does not match the path")
	}
	policy.ProjectID = projectID
	if err := g.svc.Policies.Save(c.Context(), policy); err != nil {
		return g.fail(c, "policy save", err)
	}
	g.logger.Info("policy updated",
		slog.String("user_id", c.GetString("userID")),
		slog.String("project_id", projectID),
	)
	return c.OK(policy)
}

// --- Audit ---

func (g *Gateway) handleAudit(c *okapi.Context) error {
	filter, err := ParseAuditFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	entries, err := g.svc.Audit.Query(c.Context(), filter)
	if err != nil {
		return g.fail(c, "audit query", err)
	}
	return c.OK(entries)
}

// ParseAuditFilter reads sandbox_id, session_id, action and limit.
func ParseAuditFilter(q url.Values) (domain.AuditFilter, error) {
	var f domain.AuditFilter
	if v := q.Get("sandbox_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid sandbox_id")
		}
		f.SandboxID = &id
	}
	if v := q.Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid session_id")
		}
		f.SessionID = &id
	}
	f.Action = q.Get("action")
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
