package classifier

import (
	"regexp"
	"strings"

	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// rule pairs a category with the lexical pattern that selects it. Rules are
// evaluated in order; the first match wins.
type rule struct {
	category string
	pattern  *regexp.Regexp
}

var rules = []rule{
	{models.CategorySupplier, regexp.MustCompile(`\b(supplier|manufacturer|factory|factories|vendor|sourcing|moq|wholesale|oem|odm|mill|mills)\b`)},
	{models.CategoryTrend, regexp.MustCompile(`\b(trend|trending|forecast|emerging|upcoming|next season|ss2\d|aw2\d|fw2\d)\b`)},
	{models.CategoryMarket, regexp.MustCompile(`\b(market|industry|competitor|market size|revenue|growth rate|demand|pricing landscape)\b`)},
	{models.CategorySustainability, regexp.MustCompile(`\b(sustainab\w*|eco|organic|recycled|circular|carbon|ethical|certifi\w*|gots|oeko-tex|bluesign)\b`)},
}

// Classify maps a raw query to exactly one category. Pure and total: any
// input, including empty, yields a category.
func Classify(query string) string {
	q := strings.ToLower(query)
	for _, r := range rules {
		if r.pattern.MatchString(q) {
			return r.category
		}
	}
	return models.CategoryGeneral
}
