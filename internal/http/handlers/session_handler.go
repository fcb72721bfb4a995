// Session HTTP handlers.
//
//   - POST /sessions                  (start or resume; charges chapter 1)
//   - GET  /sessions                  (list, paginated, ETag)
//   - GET  /sessions/{id}             (one session)
//   - GET  /sessions/{id}/turns       (turn log, paginated, ETag)
//   - POST /sessions/{id}/turns       (play a turn, optionally advance; Idempotency-Key)
//   - POST /sessions/{id}/complete    (finish with optional rating)
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/http/middleware"
	"github.com/serkancanberk/plaible/internal/services"
)

//
// DTOs
//

// StartSessionRequest selects the story and the player's character.
type StartSessionRequest struct {
	StorySlug   string   `json:"story_slug"   binding:"required" example:"the-lantern"`
	CharacterID string   `json:"character_id" binding:"required" example:"keeper"`
	RoleIDs     []string `json:"role_ids"                        example:"narrator,rival"`
}

// StartSessionResponse is returned for both new and resumed sessions.
type StartSessionResponse struct {
	Session *domain.Session `json:"session"`
	Story   *domain.Story   `json:"story"`
	Balance int64           `json:"balance"`
	// Resumed is true when an active session already existed.
	Resumed bool `json:"resumed"`
	// Charged is true when this call paid for chapter 1.
	Charged bool `json:"charged"`
}

// ListSessionsResponse wraps a page of sessions.
type ListSessionsResponse struct {
	Sessions   []domain.Session `json:"sessions"`
	Pagination Pagination       `json:"pagination"`
}

// ListTurnsResponse wraps a page of the turn log.
type ListTurnsResponse struct {
	Turns      []domain.Turn `json:"turns"`
	Pagination Pagination    `json:"pagination"`
}

// PostTurnRequest is one player move. Chosen picks one of the offered
// choices; FreeText is typed input. AdvanceChapter moves to the next chapter
// and FromChapter, when set, is the chapter the client believes it is on.
type PostTurnRequest struct {
	Chosen         *string `json:"chosen,omitempty"       example:"Open the door"`
	FreeText       string  `json:"free_text,omitempty"    example:"I listen at the keyhole."`
	AdvanceChapter bool    `json:"advance_chapter"`
	FromChapter    *int    `json:"from_chapter,omitempty" example:"1"`
}

// PostTurnResponse is the session state after the move.
type PostTurnResponse struct {
	Session *domain.Session `json:"session"`
	// Turns is the tail of the log, oldest first.
	Turns   []domain.Turn `json:"turns"`
	Choices []string      `json:"choices"`
	// Balance is set only when this request charged a chapter.
	Balance        *int64 `json:"balance,omitempty"`
	Charged        bool   `json:"charged"`
	Replayed       bool   `json:"replayed"`
	NarrativeError string `json:"narrative_error,omitempty"`
}

// CompleteSessionRequest optionally rates the story (stars 1..5, text <= 250).
type CompleteSessionRequest struct {
	Stars *int    `json:"stars,omitempty" example:"5"`
	Text  *string `json:"text,omitempty"  example:"Loved the ending"`
}

// CompleteSessionResponse returns the completed session.
type CompleteSessionResponse struct {
	Session          *domain.Session `json:"session"`
	AlreadyCompleted bool            `json:"already_completed"`
}

func sessionIDParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// StartSession godoc
// @ID          startSession
// @Summary     Start or resume a story session
// @Description Returns the caller's active session for the story, creating it at chapter 1 when none exists,
// @Description and charges chapter 1 exactly once. Insufficient credits yield 402 with the session id in details.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.StartSessionRequest  true  "Story and character"
// @Success     201  {object}  handlers.StartSessionResponse  "Created"
// @Success     200  {object}  handlers.StartSessionResponse  "Resumed"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient funds"
// @Failure     404  {object}  handlers.ErrorResponse  "Story or wallet not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /sessions [post]
func (h *Handlers) StartSession(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "story_slug and character_id are required")
		return
	}

	res, err := h.sessions.StartOrResume(c.Request.Context(), services.StartInput{
		UserID:      uid,
		StorySlug:   req.StorySlug,
		CharacterID: req.CharacterID,
		RoleIDs:     req.RoleIDs,
	})
	var insuf *services.InsufficientFundsError
	if errors.As(err, &insuf) && res != nil && res.Session != nil {
		failWith(c, http.StatusPaymentRequired, ErrCodeInsufficientFunds, "not enough credits for chapter 1",
			map[string]any{"needed": insuf.Needed, "balance": insuf.Balance, "session_id": res.Session.ID})
		return
	}
	if err != nil {
		failErr(c, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	ok(c, status, StartSessionResponse{
		Session: res.Session,
		Story:   res.Story,
		Balance: res.Balance,
		Resumed: res.Resumed,
		Charged: res.Charged,
	})
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List the caller's sessions
// @Description Newest first. Supports weak ETag via If-None-Match.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       status     query  string  false  "active, completed or all"  Enums(active, completed, all) default(all)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSessionsResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid status"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	page, pageSize := pageParams(c)

	if h.store != nil {
		if count, maxTS, err := h.store.SessionsStats(ctx, uid); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			if notModified(c, fmt.Sprintf(`W/"sessions:%s:%d:%d:%s:%d:%d"`, uid, count, ts, status, page, pageSize)) {
				return
			}
		}
	}

	items, total, err := h.sessions.List(ctx, uid, status, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: items, Pagination: newPagination(page, pageSize, total)})
}

// GetSession godoc
// @ID          getSession
// @Summary     Get one session
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Session ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.Session
// @Failure     400  {object}  handlers.ErrorResponse  "Bad id"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	id, valid := sessionIDParam(c)
	if !valid {
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), uid, id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, sess)
}

// ListTurns godoc
// @ID          listTurns
// @Summary     Page through a session's turn log
// @Description Oldest first. Supports weak ETag via If-None-Match.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       id         path   string  true   "Session ID (UUID)"  format(uuid)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListTurnsResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/turns [get]
func (h *Handlers) ListTurns(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	id, valid := sessionIDParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	page, pageSize := pageParams(c)

	// Ownership first so the ETag never reveals another user's log.
	if _, err := h.sessions.Get(ctx, uid, id); err != nil {
		failErr(c, err)
		return
	}
	if h.store != nil {
		if count, latest, err := h.store.TurnsStats(ctx, id); err == nil {
			var ts int64
			if latest != nil {
				ts = latest.UnixNano()
			}
			if notModified(c, fmt.Sprintf(`W/"turns:%s:%d:%d:%d:%d"`, id, count, ts, page, pageSize)) {
				return
			}
		}
	}

	items, total, err := h.sessions.ListTurns(ctx, uid, id, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListTurnsResponse{Turns: items, Pagination: newPagination(page, pageSize, total)})
}

// PostTurn godoc
// @ID          postTurn
// @Summary     Play a turn
// @Description Appends the player's move, optionally advancing one chapter. The next chapter is charged at most once
// @Description per user and story no matter how often the request is retried. Supports Idempotency-Key replays.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true   "Session ID (UUID)"  format(uuid)
// @Param       body             body    handlers.PostTurnRequest  true  "Move"
// @Success     200  {object}  handlers.PostTurnResponse
// @Header      200  {string}  Idempotency-Replayed  "true when served from a stored response"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient funds"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Completed, stale chapter or same Idempotency-Key in flight"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /sessions/{id}/turns [post]
func (h *Handlers) PostTurn(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	id, valid := sessionIDParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()

	idemKey, _ := middleware.GetIdempotencyKey(c)
	useKey := idemKey != "" && h.store != nil
	if useKey && h.replayTurn(c, uid, id, idemKey) {
		return
	}

	var req PostTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if useKey {
		reserved, err := h.store.ReserveIdempotency(ctx, uid, id, idemKey)
		if err != nil {
			LoggerFor(c).Error().Err(err).Str("session_id", id).Msg("idempotency reserve failed")
			failErr(c, &services.StoreError{Op: "idempotency.reserve"})
			return
		}
		if !reserved {
			// Lost the reservation to a concurrent request with the same key.
			if !h.replayTurn(c, uid, id, idemKey) {
				c.Header("Retry-After", "1")
				fail(c, http.StatusConflict, ErrCodeRequestInFlight, "a request with this Idempotency-Key is still running")
			}
			return
		}
	}

	res, err := h.sessions.Advance(ctx, services.AdvanceInput{
		SessionID:      id,
		UserID:         uid,
		Chosen:         req.Chosen,
		FreeText:       req.FreeText,
		AdvanceChapter: req.AdvanceChapter,
		FromChapter:    req.FromChapter,
	})
	if err != nil {
		if useKey {
			if rerr := h.store.ReleaseIdempotency(ctx, uid, id, idemKey); rerr != nil {
				LoggerFor(c).Warn().Err(rerr).Str("session_id", id).Msg("idempotency release failed")
			}
		}
		failErr(c, err)
		return
	}

	resp := PostTurnResponse{
		Session:        res.Session,
		Turns:          res.Turns,
		Choices:        res.Choices,
		Balance:        res.Balance,
		Charged:        res.Charged,
		Replayed:       res.Replayed,
		NarrativeError: res.NarrativeError,
	}
	if resp.Choices == nil {
		resp.Choices = []string{}
	}

	if useKey {
		body, err := json.Marshal(resp)
		if err == nil {
			err = h.store.FinishIdempotency(ctx, uid, id, idemKey, http.StatusOK, body)
		}
		if err != nil {
			LoggerFor(c).Warn().Err(err).Str("session_id", id).Msg("idempotency save failed")
		}
	}
	ok(c, http.StatusOK, resp)
}

// replayTurn writes the stored response for a finished request with this key.
// It reports false when there is nothing to replay yet.
func (h *Handlers) replayTurn(c *gin.Context, uid, sessionID, key string) bool {
	rec, err := h.store.LookupIdempotency(c.Request.Context(), uid, sessionID, key, time.Now().UTC())
	if err != nil || rec == nil || rec.Pending() {
		return false
	}
	c.Header("Idempotency-Replayed", "true")
	c.Data(rec.Status, "application/json; charset=utf-8", rec.Response)
	return true
}

// CompleteSession godoc
// @ID          completeSession
// @Summary     Complete a session
// @Description Marks the session completed with an optional rating. Repeating the call returns the stored state.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string  true  "Session ID (UUID)"  format(uuid)
// @Param       body  body  handlers.CompleteSessionRequest  false  "Rating"
// @Success     200  {object}  handlers.CompleteSessionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/complete [post]
func (h *Handlers) CompleteSession(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	id, valid := sessionIDParam(c)
	if !valid {
		return
	}
	var req CompleteSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := h.sessions.Complete(c.Request.Context(), services.CompleteInput{
		SessionID: id,
		UserID:    uid,
		Stars:     req.Stars,
		Text:      req.Text,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CompleteSessionResponse{Session: res.Session, AlreadyCompleted: res.AlreadyCompleted})
}
