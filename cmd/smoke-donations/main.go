// Smoke test against a running foodrescue-api: post a donation, find it via
// the nearby query, claim it, walk it to DELIVERED and confirm it left the
// active list.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("RESCUE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	lat := 13.0827 + rand.Float64()*0.01
	lon := 80.2707 + rand.Float64()*0.01
	draft := map[string]any{
		"donor_name":  fmt.Sprintf("smoke-donor-%d", rand.Int()),
		"donor_phone": "+919876543210",
		"category":    "VEG",
		"quantity_kg": 10,
		"latitude":    lat,
		"longitude":   lon,
		"address":     "Smoke Test Street 42, Chennai",
		"expires_at":  time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	call(client, http.MethodPost, base+"/v1/donations", draft, http.StatusCreated, &created)
	if created.Status != "AVAILABLE" {
		log.Fatalf("fresh donation is %s, want AVAILABLE", created.Status)
	}

	var nearby struct {
		Items []struct {
			Donation struct {
				ID string `json:"id"`
			} `json:"donation"`
			DistanceMeters float64 `json:"distance_meters"`
		} `json:"items"`
	}
	nearbyURL := fmt.Sprintf("%s/v1/donations/nearby?lat=%f&lon=%f&radius_m=5000", base, lat, lon)
	call(client, http.MethodGet, nearbyURL, nil, http.StatusOK, &nearby)
	found := false
	for _, item := range nearby.Items {
		if item.Donation.ID == created.ID {
			found = true
		}
	}
	if !found {
		log.Fatalf("donation %s missing from nearby results", created.ID)
	}

	statusURL := base + "/v1/donations/" + created.ID + "/status"
	var updated struct {
		Status  string `json:"status"`
		Handler string `json:"assigned_handler_id"`
	}
	call(client, http.MethodPatch, statusURL, map[string]any{
		"status":     "ASSIGNED",
		"handler_id": "smoke-volunteer",
	}, http.StatusOK, &updated)
	if updated.Handler != "smoke-volunteer" {
		log.Fatalf("handler not recorded: %q", updated.Handler)
	}

	call(client, http.MethodPatch, statusURL, map[string]any{"status": "IN_TRANSIT"}, http.StatusOK, &updated)
	call(client, http.MethodPatch, statusURL, map[string]any{"status": "DELIVERED"}, http.StatusOK, &updated)
	if updated.Status != "DELIVERED" {
		log.Fatalf("final status %s, want DELIVERED", updated.Status)
	}

	var active struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	call(client, http.MethodGet, base+"/v1/donations", nil, http.StatusOK, &active)
	for _, item := range active.Items {
		if item.ID == created.ID {
			log.Fatalf("delivered donation %s still listed as active", created.ID)
		}
	}

	fmt.Printf("✅ donation smoke test passed: id=%s\n", created.ID)
}

func call(client *http.Client, method, url string, body any, wantStatus int, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s %s: %v", method, url, err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("RESCUE_API_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
}
