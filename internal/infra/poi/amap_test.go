package poi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/infra/poi"
)

const amapSampleResponse = `{
	"status": "1",
	"info": "OK",
	"pois": [
		{
			"id": "B0FFG8XYZ1",
			"name": "老王川菜馆",
			"type": "餐饮服务;中餐厅;四川菜",
			"address": "建国路 88 号",
			"distance": "320",
			"biz_ext": {"rating": "4.6"}
		},
		{
			"id": "B0FFG8XYZ2",
			"name": "深夜食堂",
			"type": "餐饮服务;中餐厅",
			"address": "朝阳北路 12 号",
			"distance": "",
			"biz_ext": {"rating": ""}
		}
	]
}`

func TestAmapClient_Search_Success(t *testing.T) {
	var gotPath string
	var gotQuery url.Values

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(amapSampleResponse))
	}))
	defer server.Close()

	client := poi.NewAmapClient(server.URL, "test-key")
	loc := domain.Location{Latitude: 39.9042, Longitude: 116.4074}

	candidates, err := client.Search(context.Background(), loc, 3000, []string{"川菜", "火锅"})

	require.NoError(t, err)
	assert.Equal(t, "/v3/place/around", gotPath)
	assert.Equal(t, "test-key", gotQuery.Get("key"))
	// 经度在前
	assert.Equal(t, "116.407400,39.904200", gotQuery.Get("location"))
	assert.Equal(t, "050000", gotQuery.Get("types"))
	assert.Equal(t, "3000", gotQuery.Get("radius"))
	assert.Equal(t, "distance", gotQuery.Get("sortrule"))
	assert.Equal(t, "25", gotQuery.Get("offset"))
	assert.Equal(t, "川菜|火锅", gotQuery.Get("keywords"))

	require.Len(t, candidates, 2)

	first := candidates[0]
	assert.Equal(t, "B0FFG8XYZ1", first.ID)
	assert.Equal(t, "老王川菜馆", first.Name)
	assert.Equal(t, "餐饮服务;中餐厅;四川菜", first.Category)
	assert.Equal(t, "建国路 88 号", first.Address)
	require.NotNil(t, first.Distance)
	assert.InDelta(t, 320, *first.Distance, 1e-9)
	require.NotNil(t, first.Rating)
	assert.InDelta(t, 4.6, *first.Rating, 1e-9)
}

// 高德偶尔把 distance/rating 返回成空串甚至空数组，解析不了就当缺失处理。
func TestAmapClient_Search_UnparseableNumbersBecomeNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status": "1",
			"info": "OK",
			"pois": [
				{"id": "B1", "name": "无距离店", "type": "餐饮服务", "address": "某路", "distance": "", "biz_ext": {"rating": "n/a"}}
			]
		}`))
	}))
	defer server.Close()

	client := poi.NewAmapClient(server.URL, "test-key")
	candidates, err := client.Search(context.Background(), domain.Location{}, 0, nil)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Nil(t, candidates[0].Distance)
	assert.Nil(t, candidates[0].Rating)
}

func TestAmapClient_Search_DefaultsRadiusAndOmitsKeywords(t *testing.T) {
	var gotQuery url.Values

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"status": "1", "info": "OK", "pois": []}`))
	}))
	defer server.Close()

	client := poi.NewAmapClient(server.URL, "test-key")
	candidates, err := client.Search(context.Background(), domain.Location{}, 0, nil)

	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, "1000", gotQuery.Get("radius"))
	assert.False(t, gotQuery.Has("keywords"))
}

func TestAmapClient_Search_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "0", "info": "INVALID_USER_KEY", "pois": []}`))
	}))
	defer server.Close()

	client := poi.NewAmapClient(server.URL, "bad-key")
	_, err := client.Search(context.Background(), domain.Location{}, 1000, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_USER_KEY")
}

func TestAmapClient_Search_MissingAPIKey(t *testing.T) {
	client := poi.NewAmapClient("", "")
	_, err := client.Search(context.Background(), domain.Location{}, 1000, nil)
	require.Error(t, err)
}
