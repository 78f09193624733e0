package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zhoudan/ecomspider/internal/spider"
)

var (
	pageConfigRe = regexp.MustCompile(`g_page_config\s*=\s*(\{.*\});`)
	undefinedRe  = regexp.MustCompile(`\bundefined\b`)
	nanRe        = regexp.MustCompile(`\bNaN\b`)
)

// pageJSON parses the search payload: either a bare JSON document or an HTML
// page embedding the g_page_config object.
func pageJSON(body []byte) (map[string]any, error) {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if raw[0] != '{' {
		match := pageConfigRe.FindSubmatch(raw)
		if match == nil {
			return nil, fmt.Errorf("no embedded page config found")
		}
		raw = match[1]
	}
	raw = undefinedRe.ReplaceAll(raw, []byte("null"))
	raw = nanRe.ReplaceAll(raw, []byte("0"))

	// UseNumber keeps item and seller ids exact; they overflow float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("parse search payload: %w", err)
	}
	return data, nil
}

// walkPath resolves a dotted key path in a decoded JSON document.
func walkPath(data any, path string) any {
	current := data
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

// field returns the first non-empty value among keys, stringified.
func field(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch value := v.(type) {
		case string:
			s = strings.TrimSpace(value)
		case json.Number:
			s = value.String()
		case float64:
			s = strings.TrimSuffix(fmt.Sprintf("%v", value), ".0")
		default:
			s = strings.TrimSpace(fmt.Sprint(value))
		}
		if s != "" {
			return s
		}
	}
	return ""
}

// itemListPaths are the known locations of the product array in search
// payloads, probed in order.
var itemListPaths = []string{
	"mods.itemlist.data.auctions",
	"data.items",
	"auctions",
	"itemList",
}

func (e *SiteExtractor) extractSearch(outcome spider.FetchOutcome) (spider.ExtractResult, error) {
	data, err := pageJSON(outcome.Body)
	if err != nil {
		return spider.ExtractResult{}, err
	}

	var items []any
	for _, path := range itemListPaths {
		if list, ok := walkPath(data, path).([]any); ok && len(list) > 0 {
			items = list
			break
		}
	}

	task := outcome.Task
	var result spider.ExtractResult
	for _, entry := range items {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := field(m, "nid", "item_id", "id")
		if id == "" {
			continue
		}
		url := field(m, "detail_url")
		if url == "" {
			url = "https://item." + e.source + ".com/item.htm?id=" + id
		}

		result.Products = append(result.Products, spider.RawProduct{
			Platform:      e.source,
			ProductID:     id,
			Name:          field(m, "title", "raw_title"),
			Price:         field(m, "view_price", "price", "real_price", "zk_price"),
			OriginalPrice: field(m, "reserve_price"),
			Sales:         field(m, "sales", "deal_cnt"),
			CommentsCount: field(m, "comment_count"),
			ShopName:      field(m, "nick", "shop_name"),
			Category:      task.Keyword,
			URL:           url,
		})

		detail := spider.ProductTask(e.source, id, url)
		result.Derived = append(result.Derived, detail)

		if sellerID := field(m, "seller_id", "user_id"); sellerID != "" {
			shopURL := fmt.Sprintf("https://shop%s.%s.com/", sellerID, e.source)
			result.Derived = append(result.Derived, spider.ShopTask(e.source, sellerID, shopURL))

			commentURL := fmt.Sprintf(
				"https://rate.%s.com/list_detail_rate.htm?itemId=%s&sellerId=%s&currentPage=1",
				e.source, id, sellerID)
			result.Derived = append(result.Derived, spider.CommentTask(e.source, id, 1, commentURL))
		}
	}

	// Follow pagination only while the listing keeps producing items.
	if len(items) > 0 && task.Page < e.opts.MaxPages {
		result.Derived = append(result.Derived, spider.SearchTask(e.source, task.Keyword, task.Page+1))
	}
	return result, nil
}
