// Package poi 封装了高德地图「周边搜索」接口，把附近餐厅映射为候选摘要。
package poi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

const (
	defaultAmapBaseURL = "https://restapi.amap.com"
	// 高德 POI 分类码：餐饮服务
	diningTypeCode = "050000"
)

// AmapClient 是高德 place/around 接口的 HTTP 客户端。
type AmapClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewAmapClient 创建 AmapClient 实例。baseURL 为空时使用官方地址。
func NewAmapClient(baseURL, apiKey string) *AmapClient {
	if baseURL == "" {
		baseURL = defaultAmapBaseURL
	}
	return &AmapClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// amap 返回的 POI 结构，字段都是字符串，数值需要自己解析
type amapPOI struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Address  string `json:"address"`
	Distance string `json:"distance"`
	BizExt   struct {
		Rating string `json:"rating"`
	} `json:"biz_ext"`
}

type amapResponse struct {
	Status string    `json:"status"` // "1" 表示成功
	Info   string    `json:"info"`
	POIs   []amapPOI `json:"pois"`
}

// Search 按位置、半径和关键词搜索附近餐厅，返回候选摘要列表。
// keywords 用 "|" 连接（高德的多关键词语法）；为空时按餐饮分类兜底搜索。
func (c *AmapClient) Search(ctx context.Context, loc domain.Location, radiusMeters int, keywords []string) (domain.CandidateList, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("poi: AMap API key is not configured")
	}
	if radiusMeters <= 0 {
		radiusMeters = 1000
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	// 高德要求经度在前
	params.Set("location", fmt.Sprintf("%f,%f", loc.Longitude, loc.Latitude))
	params.Set("types", diningTypeCode)
	params.Set("radius", strconv.Itoa(radiusMeters))
	params.Set("sortrule", "distance")
	params.Set("offset", "25")
	if len(keywords) > 0 {
		params.Set("keywords", strings.Join(keywords, "|"))
	}

	reqURL := c.baseURL + "/v3/place/around?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("poi: failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poi: place search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poi: AMap API returned status %d", resp.StatusCode)
	}

	var parsed amapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("poi: failed to decode place search response: %w", err)
	}
	if parsed.Status != "1" {
		return nil, fmt.Errorf("poi: AMap API error: %s", parsed.Info)
	}

	candidates := make(domain.CandidateList, 0, len(parsed.POIs))
	for _, p := range parsed.POIs {
		c := domain.Candidate{
			ID:       p.ID,
			Name:     p.Name,
			Category: p.Type,
			Address:  p.Address,
		}
		if d, err := strconv.ParseFloat(p.Distance, 64); err == nil {
			c.Distance = &d
		}
		if r, err := strconv.ParseFloat(p.BizExt.Rating, 64); err == nil {
			c.Rating = &r
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
