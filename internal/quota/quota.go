// Package quota fetches per-model quota standing for an account from the
// backend and condenses it into a snapshot suitable for display.
package quota

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/lyralabs/gravityrouter/internal/upstream"
)

// ModelQuota is the standing of a single backend model.
type ModelQuota struct {
	Name       string    `json:"name"`
	Percentage int       `json:"percentage"`
	ResetTime  time.Time `json:"resetTime,omitempty"`
}

// Snapshot is the quota view for one account at one point in time.
type Snapshot struct {
	Models           []ModelQuota `json:"models"`
	SubscriptionTier string       `json:"subscriptionTier,omitempty"`
	LastUpdated      time.Time    `json:"lastUpdated"`
}

// interestingModel keeps the report to the model families the router
// actually serves.
func interestingModel(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "claude") || strings.Contains(lower, "gemini")
}

// Fetch retrieves the quota snapshot for an account. The model listing is
// mandatory; the subscription tier lookup runs concurrently and its failure
// is tolerated, leaving the tier empty.
func Fetch(ctx context.Context, client *http.Client, accessToken, projectID, endpointBase string) (*Snapshot, error) {
	base := strings.TrimSuffix(endpointBase, "/")

	var (
		models []ModelQuota
		tier   string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		models, err = fetchModelQuotas(groupCtx, client, accessToken, projectID, base)
		return err
	})
	group.Go(func() error {
		// Best effort only.
		tier, _ = fetchSubscriptionTier(groupCtx, client, accessToken, projectID, base)
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return &Snapshot{
		Models:           models,
		SubscriptionTier: tier,
		LastUpdated:      time.Now(),
	}, nil
}

func fetchModelQuotas(ctx context.Context, client *http.Client, accessToken, projectID, base string) ([]ModelQuota, error) {
	body, _ := sjson.Set(`{}`, "project", projectID)
	raw, err := postInternal(ctx, client, accessToken, base+"/v1internal:fetchAvailableModels", []byte(body))
	if err != nil {
		return nil, err
	}

	var models []ModelQuota
	gjson.GetBytes(raw, "models").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("displayName").String()
		if name == "" {
			name = model.Get("name").String()
		}
		if !interestingModel(name) {
			return true
		}
		entry := ModelQuota{Name: name}
		if info := model.Get("quotaInfo"); info.Exists() {
			entry.Percentage = int(math.Round(info.Get("remainingFraction").Float() * 100))
			if reset := info.Get("resetTime").String(); reset != "" {
				if ts, errParse := time.Parse(time.RFC3339, reset); errParse == nil {
					entry.ResetTime = ts
				}
			}
		}
		models = append(models, entry)
		return true
	})
	return models, nil
}

func fetchSubscriptionTier(ctx context.Context, client *http.Client, accessToken, projectID, base string) (string, error) {
	body, _ := sjson.Set(`{"metadata":{"pluginType":"GEMINI"}}`, "cloudaicompanionProject", projectID)
	raw, err := postInternal(ctx, client, accessToken, base+"/v1internal:loadCodeAssist", []byte(body))
	if err != nil {
		return "", err
	}
	if tier := gjson.GetBytes(raw, "paidTier.id").String(); tier != "" {
		return tier, nil
	}
	return gjson.GetBytes(raw, "currentTier.id").String(), nil
}

func postInternal(ctx context.Context, client *http.Client, accessToken, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read quota response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &upstream.RemoteError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
