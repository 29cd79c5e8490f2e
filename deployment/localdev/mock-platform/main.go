package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type performanceRequest struct {
	Accounts []string `json:"accounts"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
}

type cohortPerformance struct {
	TradeCount  int       `json:"trade_count"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Returns     []float64 `json:"returns"`
	NetReturn   float64   `json:"net_return"`
	MaxDrawdown float64   `json:"max_drawdown"`
}

type validationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/performance/cohort", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req performanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		trades := 40 + rng.Intn(20)
		wins := trades/2 + rng.Intn(6)
		returns := make([]float64, trades)
		net := 0.0
		for i := range returns {
			returns[i] = rng.NormFloat64()*0.01 + 0.001
			net += returns[i]
		}
		writeJSON(w, cohortPerformance{
			TradeCount:  trades,
			Wins:        wins,
			Losses:      trades - wins,
			Returns:     returns,
			NetReturn:   net,
			MaxDrawdown: 0.02 + rng.Float64()*0.03,
		})
	})

	mux.HandleFunc("/api/v1/validation/run", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"passed": true,
			"checks": []validationCheck{
				{Name: "risk_limit_bounds", Passed: true},
				{Name: "parameter_range", Passed: true},
				{Name: "backtest_sanity", Passed: true, Detail: "simulated 90d window"},
			},
		})
	})

	mux.HandleFunc("/api/v1/accounts/eligible", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		accounts := make([]string, 0, 40)
		for i := 1; i <= 40; i++ {
			accounts = append(accounts, fmt.Sprintf("paper-%03d", i))
		}
		writeJSON(w, map[string]any{"accounts": accounts})
	})

	logger := log.New(log.Writer(), "platform-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
