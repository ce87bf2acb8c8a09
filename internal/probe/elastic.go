package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/moniwatch/moniwatch/internal/models"
)

// ElasticCluster is the connection of one search cluster.
type ElasticCluster struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	APIKey    string   `yaml:"api_key"`
}

// ElasticConfig maps platforms to clusters. Platforms without an entry use
// the Default cluster.
type ElasticConfig struct {
	Default  string                    `yaml:"default"`
	Clusters map[string]ElasticCluster `yaml:"clusters"`
	Timeout  time.Duration             `yaml:"-"`
}

// ElasticProbe counts matching documents, one client per cluster.
type ElasticProbe struct {
	clients  map[string]*elasticsearch.Client
	fallback string
	timeout  time.Duration
}

// NewElasticProbe creates clients for every configured cluster.
func NewElasticProbe(cfg ElasticConfig) (*ElasticProbe, error) {
	p := &ElasticProbe{
		clients:  make(map[string]*elasticsearch.Client, len(cfg.Clusters)),
		fallback: cfg.Default,
		timeout:  cfg.Timeout,
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	for name, cluster := range cfg.Clusters {
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cluster.Addresses,
			Username:  cluster.Username,
			Password:  cluster.Password,
			APIKey:    cluster.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch client %q: %w", name, err)
		}
		p.clients[name] = client
	}
	if p.fallback != "" {
		if _, ok := p.clients[p.fallback]; !ok {
			return nil, fmt.Errorf("default elasticsearch cluster %q is not configured", p.fallback)
		}
	}
	return p, nil
}

// Clusters lists the configured cluster names.
func (p *ElasticProbe) Clusters() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *ElasticProbe) client(platform string) (*elasticsearch.Client, error) {
	if c, ok := p.clients[platform]; ok {
		return c, nil
	}
	if c, ok := p.clients[p.fallback]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: no elasticsearch cluster for platform %q", models.ErrDomainCheck, platform)
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
	} `json:"hits"`
}

// Count runs query against index on the platform's cluster and returns
// the total number of hits.
func (p *ElasticProbe) Count(ctx context.Context, platform, index, query string) (int64, error) {
	es, err := p.client(platform)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := []func(*esapi.SearchRequest){
		es.Search.WithContext(ctx),
		es.Search.WithIndex(splitIndices(index)...),
		es.Search.WithSize(0),
		es.Search.WithTrackTotalHits(true),
	}
	if strings.TrimSpace(query) != "" {
		opts = append(opts, es.Search.WithBody(strings.NewReader(query)))
	}

	res, err := es.Search(opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: search %s: %v", models.ErrDomainCheck, index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return 0, fmt.Errorf("%w: search %s: %s %s", models.ErrDomainCheck, index, res.Status(), strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode search response: %v", models.ErrDomainCheck, err)
	}
	return out.Hits.Total.Value, nil
}

func splitIndices(index string) []string {
	var out []string
	for _, part := range strings.Split(index, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
