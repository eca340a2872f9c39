package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/driverloc/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Driver one trackable entity as listed by the directory
//
// The backend sends a numeric id; a quoted number is accepted as well.
type Driver struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Phone    string      `json:"phone,omitempty"`
	Status   string      `json:"status,omitempty"`
	IsActive *bool       `json:"isActive,omitempty"`
}

// EntityDirectory lists the entities which can be tracked
type EntityDirectory interface {
	// ListDrivers fetch all drivers
	ListDrivers(ctxt context.Context) ([]Driver, error)
	// EntityKeys fetch the entity keys of all drivers, i.e. their emails
	EntityKeys(ctxt context.Context) ([]string, error)
}

// ClientParams entity directory client parameters
type ClientParams struct {
	// BaseURL API base URL. Empty means paths are used as-is.
	BaseURL string `validate:"omitempty,url"`
	// DriversPath path listing the drivers
	DriversPath string `validate:"required"`
	// BearerToken optional Authorization bearer token
	BearerToken string
	// Timeout max duration of one request
	Timeout time.Duration `validate:"gt=0"`
}

// httpDirectoryClient implements EntityDirectory over the REST API
type httpDirectoryClient struct {
	common.Component
	params ClientParams
	client *http.Client
}

// GetEntityDirectoryClient define a new entity directory client
func GetEntityDirectoryClient(params ClientParams) (EntityDirectory, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module":    "directory",
		"component": "http-client",
		"instance":  params.BaseURL,
	}
	return &httpDirectoryClient{
		Component: common.Component{LogTags: logTags},
		params:    params,
		client:    &http.Client{Timeout: params.Timeout},
	}, nil
}

// APIURL join the base URL and endpoint, adding the leading slash when missing
func APIURL(baseURL, endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if baseURL == "" {
		return endpoint
	}
	return strings.TrimSuffix(baseURL, "/") + endpoint
}

// ListDrivers fetch all drivers
func (c *httpDirectoryClient) ListDrivers(ctxt context.Context) ([]Driver, error) {
	target := APIURL(c.params.BaseURL, c.params.DriversPath)
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.params.BearerToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.params.BearerToken))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("GET %s failed", target)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("GET %s returned %d: %s", target, resp.StatusCode, string(body))
		log.WithError(err).WithFields(c.LogTags).Error("Failed to fetch drivers")
		return nil, err
	}
	var drivers []Driver
	if err := json.NewDecoder(resp.Body).Decode(&drivers); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to parse drivers from %s", target)
		return nil, err
	}
	log.WithFields(c.LogTags).Debugf("Fetched %d drivers", len(drivers))
	return drivers, nil
}

// EntityKeys fetch the entity keys of all drivers
//
// Drivers without an email are skipped.
func (c *httpDirectoryClient) EntityKeys(ctxt context.Context) ([]string, error) {
	drivers, err := c.ListDrivers(ctxt)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	seen := map[string]bool{}
	for _, driver := range drivers {
		if driver.Email == "" || seen[driver.Email] {
			continue
		}
		seen[driver.Email] = true
		keys = append(keys, driver.Email)
	}
	return keys, nil
}
