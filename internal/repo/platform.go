package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/quantpilot/rollout-engine/internal/cache"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// CohortPerformance is the raw performance aggregate the platform
// returns for a set of accounts over a window.
type CohortPerformance struct {
	TradeCount  int       `json:"trade_count"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Returns     []float64 `json:"returns"`
	NetReturn   float64   `json:"net_return"`
	MaxDrawdown float64   `json:"max_drawdown"`
}

// ValidationCheck is one pre-admission check result.
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult is the outcome of running a suggestion through the
// platform's offline validation suite.
type ValidationResult struct {
	Passed bool              `json:"passed"`
	Checks []ValidationCheck `json:"checks"`
}

// FailedChecks lists the names of checks that did not pass.
func (r *ValidationResult) FailedChecks() []string {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// PlatformClient wraps the trading platform's performance, validation,
// and account APIs. Cohort performance and account lookups are cached
// when a cache provider is supplied.
type PlatformClient struct {
	baseURL         string
	performancePath string
	validationPath  string
	accountsPath    string
	httpClient      *http.Client

	cache       cache.Provider
	perfTTL     time.Duration
	accountsTTL time.Duration
}

// NewPlatformClient constructs a client targeting the configured
// platform instance. Pass a nil cacheProvider to disable caching.
func NewPlatformClient(baseURL, performancePath, validationPath, accountsPath string, timeout time.Duration, cacheProvider cache.Provider, perfTTL, accountsTTL time.Duration) *PlatformClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &PlatformClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		performancePath: performancePath,
		validationPath:  validationPath,
		accountsPath:    accountsPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:       cacheProvider,
		perfTTL:     perfTTL,
		accountsTTL: accountsTTL,
	}
}

// FetchCohortPerformance queries the platform for aggregated trading
// results of the given accounts over [start, end).
func (c *PlatformClient) FetchCohortPerformance(ctx context.Context, accounts []string, start, end time.Time) (*CohortPerformance, error) {
	if c == nil {
		return nil, fmt.Errorf("platform client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("platform base URL not configured")
	}
	if len(accounts) == 0 {
		return nil, utils.ValidationError("repo.FetchCohortPerformance", "empty account list")
	}

	cacheKey := ""
	if c.perfTTL > 0 {
		cacheKey = cache.CohortPerformanceKey(accounts, start, end)
		if data, err := c.cache.Get(ctx, cacheKey); err == nil {
			var cached CohortPerformance
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	payload := map[string]interface{}{
		"accounts": accounts,
		"start":    start.Format(time.RFC3339),
		"end":      end.Format(time.RFC3339),
	}

	var response CohortPerformance
	if err := c.postJSON(ctx, c.performanceURL(), payload, &response); err != nil {
		return nil, utils.NewAppError("repo.FetchCohortPerformance", utils.KindDependency, "platform performance request failed", err)
	}

	if cacheKey != "" {
		if data, err := json.Marshal(&response); err == nil {
			_ = c.cache.Set(ctx, cacheKey, data, c.perfTTL)
		}
	}
	return &response, nil
}

// RunValidation submits a suggestion's changes to the platform's
// offline validation suite before a test is admitted.
func (c *PlatformClient) RunValidation(ctx context.Context, suggestion *models.Suggestion) (*ValidationResult, error) {
	if c == nil {
		return nil, fmt.Errorf("platform client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("platform base URL not configured")
	}

	payload := map[string]interface{}{
		"suggestion_id": suggestion.ID,
		"category":      suggestion.Category,
		"risk_level":    suggestion.RiskLevel,
		"changes":       suggestion.Changes,
	}

	var response ValidationResult
	if err := c.postJSON(ctx, c.validationURL(), payload, &response); err != nil {
		return nil, utils.NewAppError("repo.RunValidation", utils.KindDependency, "platform validation request failed", err)
	}
	return &response, nil
}

// FetchEligibleAccounts returns accounts the platform considers
// available for test allocation.
func (c *PlatformClient) FetchEligibleAccounts(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("platform client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("platform base URL not configured")
	}

	if c.accountsTTL > 0 {
		if data, err := c.cache.Get(ctx, cache.EligibleAccountsKey); err == nil {
			var cached []string
			if err := json.Unmarshal(data, &cached); err == nil && len(cached) > 0 {
				return cached, nil
			}
		}
	}

	var response struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.postJSON(ctx, c.accountsURL(), map[string]interface{}{}, &response); err != nil {
		return nil, utils.NewAppError("repo.FetchEligibleAccounts", utils.KindDependency, "platform accounts request failed", err)
	}
	if len(response.Accounts) == 0 {
		return nil, utils.NewAppError("repo.FetchEligibleAccounts", utils.KindDependency, "platform returned no eligible accounts", nil)
	}

	if c.accountsTTL > 0 {
		if data, err := json.Marshal(response.Accounts); err == nil {
			_ = c.cache.Set(ctx, cache.EligibleAccountsKey, data, c.accountsTTL)
		}
	}
	return response.Accounts, nil
}

func (c *PlatformClient) performanceURL() string { return c.resolvePath(c.performancePath) }
func (c *PlatformClient) validationURL() string  { return c.resolvePath(c.validationPath) }
func (c *PlatformClient) accountsURL() string    { return c.resolvePath(c.accountsPath) }

func (c *PlatformClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *PlatformClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
