package crawler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"landwatch/models"
)

// PyeongToM2 is the fixed 평→㎡ conversion ratio.
const PyeongToM2 = 3.3058

// maxFeatureLen bounds the feature text in runes.
const maxFeatureLen = 60

// Skip reasons: the item is dropped, not treated as an error.
var (
	ErrNoArea         = errors.New("extract: non-positive area")
	ErrOtherTradeType = errors.New("extract: other trade type")
	ErrNoListing      = errors.New("extract: no listing content")
)

// Ordered selector candidates per field; first match wins.
var (
	badgeSelectors   = []string{".price_line .type", "span.type", "em.type", ".label_type"}
	priceSelectors   = []string{".price_line .price", "strong.price", ".price", ".item_price"}
	specSelectors    = []string{".info_area .line .spec", "p.line .spec", ".spec", ".item_spec"}
	featureSelectors = []string{".label_area", "p.desc", ".item_desc", ".tag_area"}
)

var (
	depRentRe  = regexp.MustCompile(`([\d억,\s]+)\s*/\s*([\d,]+)`)
	eokRe      = regexp.MustCompile(`(\d[\d,]*)\s*억`)
	manRe      = regexp.MustCompile(`억\s*(\d[\d,]*)\s*만?`)
	plainNumRe = regexp.MustCompile(`(\d[\d,]*)`)

	dualAreaRe   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*㎡`)
	metricAreaRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*㎡`)
	pyeongAreaRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*평`)
	dualBareRe   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)

	floorRe     = regexp.MustCompile(`([고중저\d]+/\d+층|\d+층)`)
	directionRe = regexp.MustCompile(`([동서남북]{1,2}향)`)

	articleNoRe = regexp.MustCompile(`articleNo[=/](\d+)`)
	roomRe      = regexp.MustCompile(`방\s*(\d+)|(\d+)\s*룸`)
	bathRe      = regexp.MustCompile(`욕실\s*(\d+)`)
)

// adKeywords mark broker/marketing fluff; text containing only these is
// rejected as a feature candidate and they are stripped from accepted text.
var adKeywords = []string{
	"추천", "문의", "환영", "전문", "공인중개사", "부동산", "중개",
	"상담", "연락주세요", "친절", "보러오세요",
}

// meaningfulKeywords are real-estate facts worth keeping.
var meaningfulKeywords = []string{
	"올수리", "수리", "확장", "풀옵션", "입주", "역세권", "신축",
	"리모델링", "로얄층", "로얄동", "채광", "조용", "급매", "전세안고",
	"세안고", "주차", "복층",
}

// Extractor parses raw item HTML into ListingRecords.
type Extractor struct{}

// ParseItem extracts one listing from an item's outerHTML. Items whose
// area is non-positive or whose detected trade type differs from want are
// skipped with ErrNoArea / ErrOtherTradeType.
func (Extractor) ParseItem(htmlStr string, target models.CrawlTarget, want models.TradeType, capturedAt time.Time) (*models.ListingRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	fullText := normalizeSpace(doc.Text())
	if fullText == "" {
		return nil, ErrNoListing
	}

	badgeText := firstMatch(doc, badgeSelectors)
	priceText := firstMatch(doc, priceSelectors)
	if priceText == "" {
		priceText = fullText
	}

	tradeType, price, monthly := reconcileTrade(badgeText, priceText, want)
	if tradeType != want {
		return nil, ErrOtherTradeType
	}

	specText := firstMatch(doc, specSelectors)
	if specText == "" {
		specText = fullText
	}

	areaM2 := ParseArea(specText)
	if areaM2 <= 0 {
		areaM2 = ParseArea(fullText)
	}
	if areaM2 <= 0 {
		return nil, ErrNoArea
	}

	floor := floorRe.FindString(specText)
	direction := directionRe.FindString(specText)

	rec := &models.ListingRecord{
		ComplexName: target.Name,
		ComplexID:   target.ComplexID,
		TradeType:   tradeType,
		Price:       price,
		MonthlyRent: monthly,
		AreaM2:      areaM2,
		AreaPyeong:  round1(areaM2 / PyeongToM2),
		FloorInfo:   FloorDirection(floor, direction),
		Direction:   direction,
		Feature:     extractFeature(doc, fullText),
		ListingID:   extractListingID(doc, htmlStr),
		CapturedAt:  capturedAt,
	}

	if rec.AreaPyeong > 0 {
		rec.PricePerPyeong = int(float64(rec.Price) / rec.AreaPyeong)
	} else {
		rec.PricePerPyeong = -1
	}
	return rec, nil
}

// FloorDirection composes the display text for floor and orientation,
// using either alone verbatim when the other is missing.
func FloorDirection(floor, direction string) string {
	switch {
	case floor != "" && direction != "":
		return floor + " " + direction
	case floor != "":
		return floor
	default:
		return direction
	}
}

// reconcileTrade resolves the final trade type and price fields from badge
// and price text. A dep/rent price pattern forces 월세; a 매매/전세 keyword
// leading the price text overrides a mis-detected badge.
func reconcileTrade(badgeText, priceText string, fallback models.TradeType) (models.TradeType, int, int) {
	tt, known := ParseTradeType(badgeText)
	if !known {
		tt = fallback
	}

	head := priceText
	if len(head) > 30 {
		head = head[:30]
	}
	if strings.Contains(head, "매매") {
		tt = models.Sale
	} else if strings.Contains(head, "전세") {
		tt = models.Jeonse
	}

	// Area pairs ("110/84㎡") would otherwise look like deposit/rent.
	cleaned := dualAreaRe.ReplaceAllString(priceText, "")
	if m := depRentRe.FindStringSubmatch(cleaned); m != nil {
		deposit := parseKoreanAmount(m[1])
		rent := parseInt(m[2])
		if deposit > 0 && rent > 0 {
			return models.MonthlyRent, deposit, rent
		}
	}

	return tt, parseKoreanAmount(cleaned), 0
}

// ParseTradeType maps a badge/keyword string to a trade type.
func ParseTradeType(s string) (models.TradeType, bool) {
	switch {
	case strings.Contains(s, "매매"), strings.Contains(strings.ToLower(s), "sale"):
		return models.Sale, true
	case strings.Contains(s, "전세"), strings.Contains(strings.ToLower(s), "jeonse"):
		return models.Jeonse, true
	case strings.Contains(s, "월세"), strings.Contains(strings.ToLower(s), "rent"):
		return models.MonthlyRent, true
	}
	return models.Sale, false
}

// parseKoreanAmount converts price text to an integer in 만원.
// "10억 2,000만" → 102000, "5억" → 50000, "3,500" → 3500.
func parseKoreanAmount(s string) int {
	total := 0
	if m := eokRe.FindStringSubmatch(s); m != nil {
		total += parseInt(m[1]) * 10000
		if m2 := manRe.FindStringSubmatch(s); m2 != nil {
			total += parseInt(m2[1])
		}
		return total
	}
	if m := plainNumRe.FindStringSubmatch(s); m != nil {
		return parseInt(m[1])
	}
	return 0
}

// ParseArea extracts exclusive area in ㎡. Preference order: explicit
// metric area (the second number of a supply/exclusive pair), native 평
// converted by the fixed ratio, then a bare supply/exclusive pair.
func ParseArea(s string) float64 {
	if m := dualAreaRe.FindStringSubmatch(s); m != nil {
		return parseFloat(m[2])
	}
	if m := metricAreaRe.FindStringSubmatch(s); m != nil {
		return parseFloat(m[1])
	}
	if m := pyeongAreaRe.FindStringSubmatch(s); m != nil {
		return round1(parseFloat(m[1]) * PyeongToM2)
	}
	if m := dualBareRe.FindStringSubmatch(s); m != nil {
		return parseFloat(m[2])
	}
	return 0
}

// extractFeature walks the feature selector candidates, rejecting
// advertising-only strings and stripping ad keywords from accepted ones.
// When nothing survives it synthesizes a feature from keyword hits in the
// full text, then from room/bath counts.
func extractFeature(doc *goquery.Document, fullText string) string {
	for _, sel := range featureSelectors {
		text := normalizeSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		if isAdOnly(text) {
			continue
		}
		return truncate(stripAdKeywords(text), maxFeatureLen)
	}

	var hits []string
	for _, kw := range meaningfulKeywords {
		if strings.Contains(fullText, kw) {
			hits = append(hits, kw)
			if len(hits) == 3 {
				break
			}
		}
	}
	if len(hits) > 0 {
		return strings.Join(hits, " ")
	}

	var parts []string
	if m := roomRe.FindStringSubmatch(fullText); m != nil {
		n := m[1]
		if n == "" {
			n = m[2]
		}
		parts = append(parts, "방"+n)
	}
	if m := bathRe.FindStringSubmatch(fullText); m != nil {
		parts = append(parts, "욕실"+m[1])
	}
	return strings.Join(parts, " ")
}

func isAdOnly(text string) bool {
	hasAd := false
	for _, kw := range adKeywords {
		if strings.Contains(text, kw) {
			hasAd = true
			break
		}
	}
	if !hasAd {
		return false
	}
	for _, kw := range meaningfulKeywords {
		if strings.Contains(text, kw) {
			return false
		}
	}
	return true
}

func stripAdKeywords(text string) string {
	for _, kw := range adKeywords {
		text = strings.ReplaceAll(text, kw, "")
	}
	return normalizeSpace(text)
}

func extractListingID(doc *goquery.Document, htmlStr string) string {
	root := doc.Find("[data-article-no]").First()
	if id, ok := root.Attr("data-article-no"); ok && id != "" {
		return id
	}
	if m := articleNoRe.FindStringSubmatch(htmlStr); m != nil {
		return m[1]
	}
	if id, ok := doc.Find("[id]").First().Attr("id"); ok {
		return id
	}
	return ""
}

func firstMatch(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := normalizeSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func parseInt(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
