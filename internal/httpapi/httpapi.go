// Package httpapi exposes the auction engine over HTTP: the auctioneer's
// settlement console and the captain's bidding screen both talk to these
// handlers, registered on a gorilla/mux router.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/authz"
	"github.com/northbridge-sports/auctioneer/internal/engine"
	"github.com/northbridge-sports/auctioneer/internal/settlement"
)

// validate checks decoded request bodies against their `validate` struct
// tags. A single instance is safe for concurrent use and caches struct
// metadata across requests.
var validate = validator.New()

// decodeAndValidate decodes r's JSON body into dst and validates it,
// reporting any failure as a single ValidationError naming the first
// offending field.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &auction.ValidationError{Field: "body", Message: err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &auction.ValidationError{Field: fe.Field(), Message: fe.Tag()}
		}
		return &auction.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// Handler holds everything the HTTP layer needs: the engine manager plus
// whatever resolves a request's roster of auction-wide participants
// (owners/moderators), kept separate from the per-auction captain map that
// already lives on store.AuctionRecord.
type Handler struct {
	manager      *engine.Manager
	participants ParticipantSource
	logger       *slog.Logger
}

// ParticipantSource resolves the auction-wide participant roster (owners,
// moderators) an auctioneer-console request is authorized against.
// StaticRoster is the implementation in this package; an auction with no
// granted participants authorizes no caller.
type ParticipantSource interface {
	Participants(auctionID string) []authz.AuctionParticipant
}

// NewHandler returns a Handler.
func NewHandler(manager *engine.Manager, participants ParticipantSource, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, participants: participants, logger: logger}
}

// RegisterRoutes wires every endpoint onto router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auctions/{id}", h.handleGetAuctionSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/auctions/{id}/action", h.handleSettlementAction).Methods(http.MethodPost)
	router.HandleFunc("/auctions/{id}/round", h.handleForceOpenRound).Methods(http.MethodPost)
	router.HandleFunc("/auctions/{id}/round", h.handleForceCloseRound).Methods(http.MethodDelete)
	router.HandleFunc("/auctions/{id}/end", h.handleEndAuction).Methods(http.MethodPost)
	router.HandleFunc("/auctions/{id}/outcry/raise", h.handleOutcryRaise).Methods(http.MethodPost)
	router.HandleFunc("/auctions/{id}/outcry/state", h.handleOutcryState).Methods(http.MethodGet)
	router.HandleFunc("/captain/{auctionId}/{teamId}", h.handleCaptainDashboard).Methods(http.MethodGet)
	router.HandleFunc("/captain/{auctionId}/{teamId}/bid", h.handleCaptainBid).Methods(http.MethodPost)
}

func identityFromHeaders(r *http.Request) authz.Identity {
	return authz.Identity{
		UserID: r.Header.Get("x-user-id"),
		Email:  r.Header.Get("x-user-email"),
	}
}

// handleGetAuctionSnapshot serves the canonical auction view for clients
// that reconnect without a live websocket subscription.
func (h *Handler) handleGetAuctionSnapshot(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	snapshot, err := h.manager.GetAuctionSnapshot(r.Context(), auctionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type settlementActionRequest struct {
	Action string `json:"action" validate:"required"`
	TeamID string `json:"teamId"`
	Amount int    `json:"amount" validate:"gte=0"`
}

func (h *Handler) handleSettlementAction(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	var req settlementActionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	identity := identityFromHeaders(r)
	if identity.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	action := settlement.Action{
		AuctionID: auctionID,
		Kind:      auction.ActionKind(req.Action),
		TeamID:    req.TeamID,
		Amount:    req.Amount,
	}
	snapshot, err := h.manager.ApplySettlement(r.Context(), identity, h.participants.Participants(auctionID), action)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "settlement action failed", slog.String("auction_id", auctionID), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type forceOpenRoundRequest struct {
	PlayerID string `json:"playerId" validate:"required"`
}

func (h *Handler) handleForceOpenRound(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	var req forceOpenRoundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rnd, err := h.manager.ForceOpenRound(r.Context(), auctionID, req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rnd)
}

func (h *Handler) handleForceCloseRound(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	if err := h.manager.ForceCloseRound(r.Context(), auctionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endAuctionRequest struct {
	Reason string `json:"reason"`
}

// handleEndAuction lets the auctioneer stop a LIVE auction early. An
// auction that settlement already completed because its queue ran dry is
// rejected as a failed precondition.
func (h *Handler) handleEndAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	var req endAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &auction.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if err := h.manager.EndAuction(r.Context(), auctionID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcryRaiseRequest struct {
	RoundID string `json:"roundId" validate:"required"`
	TeamID  string `json:"teamId" validate:"required"`
	Amount  int    `json:"amount" validate:"gt=0"`
}

func (h *Handler) handleOutcryRaise(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	var req outcryRaiseRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	identity := identityFromHeaders(r)
	if identity.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	result, err := h.manager.SubmitBid(r.Context(), engine.BidRequest{
		AuctionID: auctionID,
		RoundID:   req.RoundID,
		TeamID:    req.TeamID,
		Amount:    req.Amount,
		Identity:  identity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleOutcryState(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	state, err := h.manager.GetOutcryState(r.Context(), auctionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleCaptainDashboard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dash, err := h.manager.GetCaptainDashboard(r.Context(), vars["auctionId"], vars["teamId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

type captainBidRequest struct {
	RoundID  string `json:"roundId" validate:"required"`
	PlayerID string `json:"playerId"`
	Amount   int    `json:"amount" validate:"gt=0"`
}

func (h *Handler) handleCaptainBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req captainBidRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	identity := identityFromHeaders(r)
	if identity.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	result, err := h.manager.SubmitBid(r.Context(), engine.BidRequest{
		AuctionID: vars["auctionId"],
		RoundID:   req.RoundID,
		TeamID:    vars["teamId"],
		Amount:    req.Amount,
		Identity:  identity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP status codes and a
// structured body, per the external interface's status contract.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *auction.ValidationError
		authErr       *auction.AuthorizationError
		budgetErr     *auction.BudgetError
		staleErr      *auction.StaleBidError
		notFoundErr   *auction.NotFoundError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationErr.Error(), "field": validationErr.Field})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":           authErr.Error(),
			"currentUser":     authErr.CurrentUser,
			"expectedCaptain": authErr.ExpectedCaptain,
		})
	case errors.As(err, &budgetErr):
		writeJSON(w, http.StatusBadRequest, map[string]int{
			"remainingBudget": budgetErr.RemainingBudget,
			"maxAllowed":      budgetErr.MaxAllowed,
		})
	case errors.As(err, &staleErr):
		writeJSON(w, http.StatusConflict, map[string]int{
			"currentBid":     staleErr.CurrentBid,
			"nextBidAmount":  staleErr.NextBidAmount,
			"sequenceNumber": staleErr.SequenceNumber,
		})
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFoundErr.Error()})
	case errors.Is(err, auction.ErrInvalidPrecondition), errors.Is(err, auction.ErrQueueEmpty),
		errors.Is(err, auction.ErrNothingToUndo), errors.Is(err, auction.ErrUnknownTier):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
