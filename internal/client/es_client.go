package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"trust-engine/internal/config"
	"trust-engine/internal/model"
	"trust-engine/internal/util"
)

// ESClient indexes audit records so that investigators can search decisions
// by service, origin or action.
type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.IsDevelopment(), // Skip verify in dev only
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
	}

	elasticConfig := elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	}

	client, err := elasticsearch.NewClient(elasticConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{
		Client: client,
		config: &esConfig,
		logger: logger,
	}

	if err := esClient.HealthCheck(); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	util.Info("Elasticsearch client initialized",
		zap.String("url", esConfig.URL),
		zap.String("index", esConfig.AuditIndex),
	)

	return esClient, nil
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck() error {
	res, err := e.Client.Info()
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}

	util.Debug("Elasticsearch health check passed")
	return nil
}

func (e *ESClient) Name() string { return "elasticsearch" }

// WriteAuditRecords indexes the batch through the bulk API. The event id is
// the document id, so a retried batch never duplicates documents.
func (e *ESClient) WriteAuditRecords(ctx context.Context, records []model.AuditRecord) error {
	body, err := bulkBody(e.config.AuditIndex, records)
	if err != nil {
		return err
	}

	res, err := e.Client.Bulk(
		bytes.NewReader(body),
		e.Client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error executing bulk index: %w", err)
	}

	var reply struct {
		Errors bool `json:"errors"`
	}
	if err := e.ParseResponse(res, &reply); err != nil {
		return err
	}
	if reply.Errors {
		return fmt.Errorf("elasticsearch rejected part of a %d record batch", len(records))
	}

	e.logger.Debug("Indexed audit records",
		zap.String("index", e.config.AuditIndex),
		zap.Int("count", len(records)))
	return nil
}

// bulkBody renders the NDJSON payload of the bulk API.
func bulkBody(index string, records []model.AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		meta := map[string]map[string]string{"index": {"_index": index, "_id": r.EventID}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("error encoding bulk metadata: %w", err)
		}
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("error encoding audit record %s: %w", r.EventID, err)
		}
	}
	return buf.Bytes(), nil
}

func (e *ESClient) ParseResponse(res *esapi.Response, target interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		var body map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return fmt.Errorf("error parsing error response: %w", err)
		}
		reason := "unknown"
		if errObj, ok := body["error"].(map[string]interface{}); ok {
			if r, ok := errObj["reason"].(string); ok {
				reason = r
			}
		}
		return fmt.Errorf("elasticsearch error: [%s] %s", res.Status(), reason)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}

	return nil
}
