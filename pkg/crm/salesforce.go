package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

func init() {
	RegisterProvider("SALESFORCE", func(cfg ProviderConfig) (Executor, error) {
		return NewSalesforceExecutor(cfg)
	})
}

const (
	sfAPIVersion   = "v59.0"
	sfMaxRetries   = 3
	sfRetryBackoff = 500 * time.Millisecond
	// Assertions are short lived; the vendor rejects anything over 3 min.
	sfAssertionTTL = 3 * time.Minute
)

// SalesforceExecutor drives the Salesforce REST API. Authentication is the
// OAuth JWT bearer flow; outbound calls are smoothed client-side and retried
// on 5xx and 429 with the vendor's Retry-After honoured.
type SalesforceExecutor struct {
	cfg        ProviderConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	signingKey any

	mu          sync.Mutex
	accessToken string
	instanceURL string
	tokenExpiry time.Time
}

func NewSalesforceExecutor(cfg ProviderConfig) (*SalesforceExecutor, error) {
	if cfg.ClientID == "" || cfg.Username == "" {
		return nil, errors.New("crm: salesforce requires client id and username")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("crm: salesforce private key: %w", err)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://login.salesforce.com/services/oauth2/token"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &SalesforceExecutor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		signingKey: key,
	}, nil
}

func (s *SalesforceExecutor) Provider() string { return "SALESFORCE" }

// token returns a valid access token, refreshing through the JWT bearer
// grant when the cached one is missing or near expiry.
func (s *SalesforceExecutor) token(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken != "" && time.Now().Before(s.tokenExpiry) {
		return s.accessToken, s.instanceURL, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.Username,
		Audience:  jwt.ClaimStrings{audienceOf(s.cfg.TokenURL)},
		ExpiresAt: jwt.NewNumericDate(now.Add(sfAssertionTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("crm: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("crm: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("crm: token grant: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", "", &APIError{StatusCode: resp.StatusCode, Message: "token grant failed: " + string(body)}
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", "", fmt.Errorf("crm: decode token grant: %w", err)
	}
	s.accessToken = grant.AccessToken
	s.instanceURL = grant.InstanceURL
	if s.cfg.BaseURL != "" {
		s.instanceURL = s.cfg.BaseURL
	}
	// Session tokens outlive this comfortably; refresh well before the
	// server-side timeout.
	s.tokenExpiry = now.Add(30 * time.Minute)
	return s.accessToken, s.instanceURL, nil
}

func audienceOf(tokenURL string) string {
	u, err := url.Parse(tokenURL)
	if err != nil || u.Host == "" {
		return "https://login.salesforce.com"
	}
	return u.Scheme + "://" + u.Host
}

// doJSON performs one authenticated API call with smoothing and bounded
// retries. 4xx responses (except 429) are returned immediately as APIError.
func (s *SalesforceExecutor) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("crm: marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= sfMaxRetries; attempt++ {
		if attempt > 0 {
			delay := sfRetryBackoff * time.Duration(1<<(attempt-1))
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = s.doOnce(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (s *SalesforceExecutor) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	token, instanceURL, err := s.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, instanceURL+path, reader)
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm: salesforce %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized {
		// Session expired server-side; drop the cache so the retry
		// re-authenticates.
		s.mu.Lock()
		s.accessToken = ""
		s.mu.Unlock()
		return &APIError{StatusCode: resp.StatusCode, Message: "session expired"}
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("crm: decode response: %w", err)
		}
	}
	return nil
}

type sfCreateResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []any  `json:"errors"`
}

type sfQueryResponse struct {
	TotalSize int `json:"totalSize"`
	Records   []map[string]any `json:"records"`
}

func sobjectPath(object string) string {
	return "/services/data/" + sfAPIVersion + "/sobjects/" + object
}

func (s *SalesforceExecutor) create(ctx context.Context, object string, fields map[string]any) (*Result, error) {
	var resp sfCreateResponse
	if err := s.doJSON(ctx, http.MethodPost, sobjectPath(object), SanitizeFieldMap(fields), &resp); err != nil {
		return nil, err
	}
	return &Result{Success: true, CRMRecordID: resp.ID}, nil
}

func (s *SalesforceExecutor) update(ctx context.Context, object, id string, fields map[string]any) (*Result, error) {
	if err := ValidateRecordID(id); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	if err := s.doJSON(ctx, http.MethodPatch, sobjectPath(object)+"/"+id, SanitizeFieldMap(fields), nil); err != nil {
		return nil, err
	}
	return &Result{Success: true, CRMRecordID: id}, nil
}

func (s *SalesforceExecutor) query(ctx context.Context, soql string) (*sfQueryResponse, error) {
	var resp sfQueryResponse
	path := "/services/data/" + sfAPIVersion + "/query?q=" + url.QueryEscape(soql)
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// findLeadByEmail resolves the CRM lead id for an email, empty when absent.
func (s *SalesforceExecutor) findLeadByEmail(ctx context.Context, email string) (string, error) {
	soql, err := NewQuery("Lead").Select("Id").WhereEquals("Email", email).Limit(1).Build()
	if err != nil {
		return "", err
	}
	resp, err := s.query(ctx, soql)
	if err != nil {
		return "", err
	}
	if len(resp.Records) == 0 {
		return "", nil
	}
	id, _ := resp.Records[0]["Id"].(string)
	return id, nil
}

func (s *SalesforceExecutor) CreateLead(ctx context.Context, p CreateLeadParams) (*Result, error) {
	return s.create(ctx, "Lead", map[string]any{
		"Email":      p.Email,
		"FirstName":  p.FirstName,
		"LastName":   defaultLastName(p.LastName),
		"Company":    defaultCompany(p.Company),
		"LeadSource": p.Source,
	})
}

func (s *SalesforceExecutor) UpsertLead(ctx context.Context, p UpsertLeadParams) (*Result, error) {
	id, err := s.findLeadByEmail(ctx, p.Email)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"Email":     p.Email,
		"FirstName": p.FirstName,
		"LastName":  defaultLastName(p.LastName),
		"Company":   defaultCompany(p.Company),
	}
	if id != "" {
		res, err := s.update(ctx, "Lead", id, fields)
		if err != nil {
			return nil, err
		}
		res.Data = map[string]any{"created": false}
		return res, nil
	}
	res, err := s.create(ctx, "Lead", fields)
	if err != nil {
		return nil, err
	}
	res.Data = map[string]any{"created": true}
	return res, nil
}

func (s *SalesforceExecutor) ConvertLead(ctx context.Context, p ConvertLeadParams) (*Result, error) {
	if err := ValidateRecordID(p.LeadID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	payload := map[string]any{
		"leadId":          p.LeadID,
		"convertedStatus": "Qualified",
	}
	if p.AccountID != "" {
		payload["accountId"] = p.AccountID
	}
	if p.OpportunityName != "" {
		payload["opportunityName"] = SanitizeFieldValue(p.OpportunityName)
	}
	var resp sfCreateResponse
	if err := s.doJSON(ctx, http.MethodPost, "/services/data/"+sfAPIVersion+"/actions/standard/convertLead", payload, &resp); err != nil {
		return nil, err
	}
	return &Result{Success: true, CRMRecordID: resp.ID}, nil
}

func (s *SalesforceExecutor) UpdateLeadStatus(ctx context.Context, p UpdateLeadStatusParams) (*Result, error) {
	return s.update(ctx, "Lead", p.LeadID, map[string]any{"Status": p.Status})
}

func (s *SalesforceExecutor) UpdateLeadFields(ctx context.Context, p UpdateLeadFieldsParams) (*Result, error) {
	return s.update(ctx, "Lead", p.LeadID, p.Fields)
}

func (s *SalesforceExecutor) SetLeadScore(ctx context.Context, p SetLeadScoreParams) (*Result, error) {
	field := "Lead_Score__c"
	if strings.EqualFold(p.ScoreType, "fit") {
		field = "Fit_Score__c"
	}
	return s.update(ctx, "Lead", p.LeadID, map[string]any{field: p.Score})
}

func (s *SalesforceExecutor) MatchAccount(ctx context.Context, p MatchAccountParams) (*Result, error) {
	qb := NewQuery("Account").Select("Id", "Name").Limit(1)
	switch {
	case p.Domain != "":
		qb = qb.WhereEquals("Website", p.Domain)
	case p.Name != "":
		qb = qb.WhereEquals("Name", p.Name)
	default:
		return &Result{Success: false, Error: "match_account requires a domain or name"}, nil
	}
	soql, err := qb.Build()
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	resp, err := s.query(ctx, soql)
	if err != nil {
		return nil, err
	}
	if len(resp.Records) == 0 {
		return &Result{Success: true, Data: map[string]any{"matched": false}}, nil
	}
	id, _ := resp.Records[0]["Id"].(string)
	return &Result{Success: true, CRMRecordID: id, Data: map[string]any{"matched": true}}, nil
}

func (s *SalesforceExecutor) CreateContact(ctx context.Context, p CreateContactParams) (*Result, error) {
	fields := map[string]any{
		"Email":     p.Email,
		"FirstName": p.FirstName,
		"LastName":  defaultLastName(p.LastName),
	}
	if p.AccountID != "" {
		if err := ValidateRecordID(p.AccountID); err != nil {
			return &Result{Success: false, Error: err.Error()}, nil
		}
		fields["AccountId"] = p.AccountID
	}
	return s.create(ctx, "Contact", fields)
}

func (s *SalesforceExecutor) LinkContactToAccount(ctx context.Context, p LinkContactToAccountParams) (*Result, error) {
	if err := ValidateRecordID(p.AccountID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return s.update(ctx, "Contact", p.ContactID, map[string]any{"AccountId": p.AccountID})
}

func (s *SalesforceExecutor) CreateOpportunity(ctx context.Context, p CreateOpportunityParams) (*Result, error) {
	stage := p.Stage
	if stage == "" {
		stage = "Prospecting"
	}
	fields := map[string]any{
		"Name":      p.Name,
		"StageName": stage,
		// A close date is mandatory on create; default one quarter out.
		"CloseDate": time.Now().AddDate(0, 3, 0).Format("2006-01-02"),
	}
	if p.Amount > 0 {
		fields["Amount"] = p.Amount
	}
	if p.AccountID != "" {
		if err := ValidateRecordID(p.AccountID); err != nil {
			return &Result{Success: false, Error: err.Error()}, nil
		}
		fields["AccountId"] = p.AccountID
	}
	return s.create(ctx, "Opportunity", fields)
}

func (s *SalesforceExecutor) UpdateOpportunityStage(ctx context.Context, p UpdateOpportunityStageParams) (*Result, error) {
	return s.update(ctx, "Opportunity", p.OpportunityID, map[string]any{"StageName": p.Stage})
}

func (s *SalesforceExecutor) SetOpportunityValue(ctx context.Context, p SetOpportunityValueParams) (*Result, error) {
	return s.update(ctx, "Opportunity", p.OpportunityID, map[string]any{"Amount": p.Amount})
}

func (s *SalesforceExecutor) AttachCampaign(ctx context.Context, p AttachCampaignParams) (*Result, error) {
	if err := ValidateRecordID(p.LeadID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	status := p.Status
	if status == "" {
		status = "Sent"
	}
	return s.create(ctx, "CampaignMember", map[string]any{
		"LeadId":     p.LeadID,
		"CampaignId": p.CampaignID,
		"Status":     status,
	})
}

func (s *SalesforceExecutor) CreateTask(ctx context.Context, p CreateTaskParams) (*Result, error) {
	if err := ValidateRecordID(p.RelatedToID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	fields := map[string]any{
		"WhoId":   p.RelatedToID,
		"Subject": p.Subject,
		"Status":  "Open",
	}
	if p.DueDate != "" {
		fields["ActivityDate"] = p.DueDate
	}
	return s.create(ctx, "Task", fields)
}

func (s *SalesforceExecutor) LogActivity(ctx context.Context, p LogActivityParams) (*Result, error) {
	if err := ValidateRecordID(p.RelatedToID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return s.create(ctx, "Task", map[string]any{
		"WhoId":       p.RelatedToID,
		"Subject":     p.Type,
		"Description": p.Description,
		"Status":      "Completed",
		"TaskSubtype": "Task",
	})
}

func (s *SalesforceExecutor) AddNote(ctx context.Context, p AddNoteParams) (*Result, error) {
	if err := ValidateRecordID(p.RelatedToID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return s.create(ctx, "Note", map[string]any{
		"ParentId": p.RelatedToID,
		"Title":    p.Title,
		"Body":     p.Body,
	})
}

func (s *SalesforceExecutor) CreateFollowUp(ctx context.Context, p CreateFollowUpParams) (*Result, error) {
	if err := ValidateRecordID(p.LeadID); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	fields := map[string]any{
		"WhoId":   p.LeadID,
		"Subject": "Follow up",
		"Status":  "Open",
	}
	if p.DueDate != "" {
		fields["ActivityDate"] = p.DueDate
	}
	if p.Note != "" {
		fields["Description"] = p.Note
	}
	return s.create(ctx, "Task", fields)
}

func (s *SalesforceExecutor) SyncFirmographics(ctx context.Context, p SyncFirmographicsParams) (*Result, error) {
	fields := make(map[string]any, len(p.Firmographics))
	for k, v := range p.Firmographics {
		if field, ok := firmographicFields[strings.ToLower(k)]; ok {
			fields[field] = v
		}
	}
	if len(fields) == 0 {
		return &Result{Success: true, Warnings: []string{"no mappable firmographic fields"}}, nil
	}
	return s.update(ctx, "Lead", p.LeadID, fields)
}

// firmographicFields maps enrichment field names to lead fields.
var firmographicFields = map[string]string{
	"industry":  "Industry",
	"employees": "NumberOfEmployees",
	"geo":       "Geo__c",
	"techstack": "Tech_Stack__c",
}

// defaultLastName fills the vendor-required last name when the lead record
// has none.
func defaultLastName(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// defaultCompany fills the vendor-required company when enrichment found
// nothing.
func defaultCompany(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

var _ Executor = (*SalesforceExecutor)(nil)
