// Package polar talks to the Polar billing API over plain HTTP and
// verifies Polar webhook deliveries.
package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/video0-dev/tokenledger/pkg/tokens"
)

const (
	// DefaultBaseURL targets the production Polar API.
	DefaultBaseURL = "https://api.polar.sh"

	defaultRequestTimeout = 12 * time.Second

	pathCustomerByExternalID = "/v1/customers/external/"
	pathCustomers            = "/v1/customers"
	pathCheckouts            = "/v1/checkouts"
)

var (
	// ErrCustomerNotFound reports a missing customer for an external id.
	ErrCustomerNotFound = errors.New("polar: customer not found")
	// ErrRequestFailed reports a non-success response from the Polar API.
	ErrRequestFailed = errors.New("polar: request failed")
)

// Client is a minimal Polar API client covering customers and checkouts.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient returns a Client for the given API base URL and access token.
func NewClient(baseURL string, accessToken string, options ...ClientOption) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	client := &Client{
		baseURL:     trimmed,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

type customerResponse struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

type createCustomerRequest struct {
	Email      string `json:"email"`
	ExternalID string `json:"external_id"`
}

type createCheckoutRequest struct {
	CustomerID         string   `json:"customer_id,omitempty"`
	CustomerExternalID string   `json:"external_customer_id,omitempty"`
	SuccessURL         string   `json:"success_url"`
	Products           []string `json:"products"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// GetCustomerByExternalID looks up the billing customer mapped to a profile.
func (client *Client) GetCustomerByExternalID(ctx context.Context, externalID string) (tokens.BillingCustomer, error) {
	var response customerResponse
	err := client.do(ctx, http.MethodGet, pathCustomerByExternalID+url.PathEscape(externalID), nil, &response)
	if err != nil {
		return tokens.BillingCustomer{}, err
	}
	return tokens.BillingCustomer{
		CustomerID: response.ID,
		ExternalID: response.ExternalID,
		Email:      response.Email,
	}, nil
}

// CreateCustomer registers a billing customer keyed by the profile id.
func (client *Client) CreateCustomer(ctx context.Context, email string, externalID string) (tokens.BillingCustomer, error) {
	request := createCustomerRequest{Email: email, ExternalID: externalID}
	var response customerResponse
	if err := client.do(ctx, http.MethodPost, pathCustomers, request, &response); err != nil {
		return tokens.BillingCustomer{}, err
	}
	return tokens.BillingCustomer{
		CustomerID: response.ID,
		ExternalID: response.ExternalID,
		Email:      response.Email,
	}, nil
}

// CreateCheckout opens a hosted checkout session for the given credit packs.
func (client *Client) CreateCheckout(ctx context.Context, input tokens.CheckoutInput) (tokens.CheckoutSession, error) {
	products := make([]string, 0, len(input.Products))
	for _, productID := range input.Products {
		products = append(products, productID.String())
	}
	request := createCheckoutRequest{
		CustomerID:         input.CustomerID,
		CustomerExternalID: input.CustomerExternalID,
		SuccessURL:         input.SuccessURL,
		Products:           products,
	}
	var response checkoutResponse
	if err := client.do(ctx, http.MethodPost, pathCheckouts, request, &response); err != nil {
		return tokens.CheckoutSession{}, err
	}
	return tokens.CheckoutSession{SessionID: response.ID, URL: response.URL}, nil
}

func (client *Client) do(ctx context.Context, method string, path string, requestBody any, responseBody any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("%w: encode body: %v", ErrRequestFailed, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.accessToken)
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusNotFound {
		return ErrCustomerNotFound
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s %s returned %d", ErrRequestFailed, method, path, response.StatusCode)
	}
	if responseBody == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrRequestFailed, err)
	}
	return nil
}
