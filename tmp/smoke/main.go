// Manual smoke check: boots the API against a throwaway workspace,
// publishes a template over HTTP with a signed bearer token and prints
// the response. Not part of the test suite.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"conveyor/internal/app"
	"conveyor/internal/server"
)

func main() {
	workspace := "/tmp/conveyor-smoke"
	s, err := app.Open(workspace, "conveyor")
	if err != nil {
		panic(err)
	}
	defer s.Close()

	jwtSecret := "test-secret"
	h, err := server.New(server.Config{
		Engine:   s.Engine,
		Catalog:  s.Catalog,
		Machine:  s.Machine,
		Sync:     s.Sync,
		BasePath: "/v1",
		Auth:     server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token, err := signToken(jwtSecret, "tester", time.Now().Add(time.Hour))
	if err != nil {
		panic(err)
	}

	body := map[string]any{
		"name":             "Smoke Purchase",
		"transaction_type": "purchase",
		"tasks": []map[string]any{
			{"id": "offer", "name": "Offer accepted", "role": "agent", "duration_hours": 24},
			{"id": "contract", "name": "Exchange contracts", "role": "solicitor", "duration_hours": 48, "depends_on": []string{"offer"}},
		},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/templates", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func signToken(secret, actorID string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(time.Now()),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
