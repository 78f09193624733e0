package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/zhoudan/ecomspider/internal/spider"
)

var (
	digitsRe = regexp.MustCompile(`\d+`)
	scoreRe  = regexp.MustCompile(`\d+\.\d+`)
)

// firstText returns the trimmed text of the first selector that matches.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func (e *SiteExtractor) extractProduct(outcome spider.FetchOutcome) (spider.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return spider.ExtractResult{}, fmt.Errorf("parse detail page: %w", err)
	}

	task := outcome.Task
	name := firstText(doc, ".tb-main-title", "#J_Title h3", ".sku-name", "h1")
	price := firstText(doc, "#J_PromoPriceNum", ".tb-rmb-num", ".price .J_price", "span.price")

	commentsCount := ""
	if text := firstText(doc, ".J_RateCounter", ".comment-count"); text != "" {
		commentsCount = digitsRe.FindString(text)
	}

	// A detail page missing its core fields yields nothing; the search-page
	// record for this product already covers it.
	if name == "" || price == "" {
		return spider.ExtractResult{}, nil
	}

	return spider.ExtractResult{
		Products: []spider.RawProduct{{
			Platform:      e.source,
			ProductID:     task.ProductID,
			Name:          name,
			Price:         price,
			OriginalPrice: firstText(doc, "#J_StrPriceModBox .tb-rmb-num", ".original-price"),
			CommentsCount: commentsCount,
			ShopName:      firstText(doc, ".shop-name", ".tb-shop-name"),
			URL:           task.URL,
		}},
	}, nil
}

func (e *SiteExtractor) extractShop(outcome spider.FetchOutcome) (spider.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return spider.ExtractResult{}, fmt.Errorf("parse shop page: %w", err)
	}

	task := outcome.Task
	name := firstText(doc, ".shop-name", ".shop-title")
	if name == "" {
		return spider.ExtractResult{}, nil
	}

	return spider.ExtractResult{
		Shops: []spider.RawShop{{
			ShopID:        task.ShopID,
			ShopName:      name,
			ShopType:      firstText(doc, ".shop-type"),
			ScoreService:  scoreRe.FindString(firstText(doc, ".service-score")),
			ScoreDelivery: scoreRe.FindString(firstText(doc, ".delivery-score")),
		}},
	}, nil
}
