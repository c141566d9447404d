package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"foodrescue.org/internal/audit"
	"foodrescue.org/internal/auth"
	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/geo"
	"foodrescue.org/internal/obs"
)

type statusChangeRequest struct {
	Status    donation.Status `json:"status"`
	HandlerID string          `json:"handler_id,omitempty"`
}

type donationResponse struct {
	donation.Donation
	Urgency donation.Urgency `json:"urgency"`
}

type listDonationsResponse struct {
	Items []donationResponse `json:"items"`
	AsOf  time.Time          `json:"as_of"`
}

// mapMarker is the lightweight projection the dispatcher map renders.
type mapMarker struct {
	ID               string                `json:"id"`
	Latitude         float64               `json:"latitude"`
	Longitude        float64               `json:"longitude"`
	Category         donation.FoodCategory `json:"category"`
	QuantityKg       float64               `json:"quantity_kg"`
	Status           donation.Status       `json:"status"`
	DonorName        string                `json:"donor_name"`
	ExpiresAt        time.Time             `json:"expires_at"`
	HoursUntilExpiry float64               `json:"hours_until_expiry"`
	Urgent           bool                  `json:"urgent"`
}

func (a *API) handleDonationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDonation(w, r)
	case http.MethodGet:
		a.listDonations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDonationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/donations/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if path == "nearby" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.nearbyDonations(w, r)
		return
	}

	if strings.HasSuffix(path, "/status") {
		id := strings.TrimSuffix(path, "/status")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "donation not found")
			return
		}
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.changeStatus(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getDonation(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createDonation(w http.ResponseWriter, r *http.Request) {
	var draft donation.Draft
	if err := decodeJSON(w, r, &draft); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	d, err := a.coord.CreateDonation(r.Context(), draft)
	if err != nil {
		handleDonationError(w, r, err)
		return
	}

	a.audit(r.Context(), "donation.create", map[string]any{
		"donation_id": d.ID,
		"category":    string(d.Category),
		"quantity_kg": strconv.FormatFloat(d.QuantityKg, 'f', -1, 64),
	})

	w.Header().Set("Location", "/v1/donations/"+d.ID)
	writeJSON(w, http.StatusCreated, toResponse(d, time.Now().UTC()))
}

func (a *API) getDonation(w http.ResponseWriter, r *http.Request, id string) {
	d, err := a.coord.Get(r.Context(), id)
	if err != nil {
		handleDonationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(d, time.Now().UTC()))
}

func (a *API) listDonations(w http.ResponseWriter, r *http.Request) {
	var f donation.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		cat := donation.FoodCategory(strings.ToUpper(raw))
		if !cat.Valid() {
			writeError(w, r, http.StatusBadRequest, "unknown category")
			return
		}
		f.Category = cat
	}
	if raw := r.URL.Query().Get("urgent"); raw != "" {
		urgent, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "urgent must be a boolean")
			return
		}
		f.UrgentOnly = urgent
	}

	items, err := a.coord.ListActive(r.Context(), f)
	if err != nil {
		handleDonationError(w, r, err)
		return
	}

	now := time.Now().UTC()
	resp := listDonationsResponse{
		Items: make([]donationResponse, 0, len(items)),
		AsOf:  now,
	}
	for _, d := range items {
		resp.Items = append(resp.Items, toResponse(d, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

const (
	defaultRadiusMeters = 5_000
	maxRadiusMeters     = 50_000
)

func (a *API) nearbyDonations(w http.ResponseWriter, r *http.Request) {
	lat, err := parseCoord(r.URL.Query().Get("lat"), 90)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "lat must be a latitude in [-90, 90]")
		return
	}
	lon, err := parseCoord(r.URL.Query().Get("lon"), 180)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "lon must be a longitude in [-180, 180]")
		return
	}

	radius := float64(defaultRadiusMeters)
	if raw := strings.TrimSpace(r.URL.Query().Get("radius_m")); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 || radius > maxRadiusMeters {
			writeError(w, r, http.StatusBadRequest, "radius_m must be in (0, 50000]")
			return
		}
	}

	near, err := a.coord.Nearby(r.Context(), geo.Point{Lat: lat, Lon: lon}, radius)
	if err != nil {
		handleDonationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": near,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) changeStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req statusChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == "" {
		writeError(w, r, http.StatusBadRequest, "status is required")
		return
	}

	// The authenticated identity is the actor; the body field only covers
	// unauthenticated local development.
	actor := strings.TrimSpace(req.HandlerID)
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		actor = principal.Subject
	}

	d, err := a.coord.ChangeStatus(r.Context(), id, req.Status, actor)
	if err != nil {
		handleDonationError(w, r, err)
		return
	}

	a.audit(r.Context(), "donation.status.change", map[string]any{
		"donation_id": d.ID,
		"status":      string(d.Status),
	})
	writeJSON(w, http.StatusOK, toResponse(d, time.Now().UTC()))
}

func (a *API) handleMapMarkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	items, err := a.coord.ListActive(r.Context(), donation.Filter{})
	if err != nil {
		handleDonationError(w, r, err)
		return
	}

	now := time.Now().UTC()
	markers := make([]mapMarker, 0, len(items))
	for _, d := range items {
		u := donation.Evaluate(d.ExpiresAt, now)
		markers = append(markers, mapMarker{
			ID:               d.ID,
			Latitude:         d.Latitude,
			Longitude:        d.Longitude,
			Category:         d.Category,
			QuantityKg:       d.QuantityKg,
			Status:           d.Status,
			DonorName:        d.DonorName,
			ExpiresAt:        d.ExpiresAt,
			HoursUntilExpiry: math.Round(u.MinutesRemaining/60*10) / 10,
			Urgent:           u.Urgent,
		})
	}
	writeJSON(w, http.StatusOK, markers)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "audit log failed",
			"error": err.Error(),
		})
	}
}

func toResponse(d donation.Donation, now time.Time) donationResponse {
	return donationResponse{
		Donation: d,
		Urgency:  donation.Evaluate(d.ExpiresAt, now),
	}
}

func parseCoord(raw string, bound float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < -bound || v > bound {
		return 0, errors.New("out of range")
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDonationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, donation.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, donation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, donation.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, donation.ErrTimeout):
		writeError(w, r, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
