package services

import (
	"math"

	"nps-dashboard-server/models"
)

// NPSBreakdown is the promoter/passive/detractor split behind a score.
type NPSBreakdown struct {
	Promoters  int `json:"promoters"`
	Passives   int `json:"passives"`
	Detractors int `json:"detractors"`
	Total      int `json:"total"`
	Score      int `json:"score"`
}

// CalculateNPS returns round((promoters-detractors)/total*100), or 0 for no records.
func CalculateNPS(records []models.FeedbackRecord) int {
	return Breakdown(records).Score
}

// Breakdown counts promoters (9-10), passives (7-8) and detractors (0-6).
func Breakdown(records []models.FeedbackRecord) NPSBreakdown {
	var b NPSBreakdown
	for _, r := range records {
		switch {
		case r.IsPromoter():
			b.Promoters++
		case r.IsDetractor():
			b.Detractors++
		default:
			b.Passives++
		}
	}
	b.Total = len(records)
	b.Score = npsFromCounts(b.Promoters, b.Detractors, b.Total)
	return b
}

func npsFromCounts(promoters, detractors, total int) int {
	if total == 0 {
		return 0
	}
	// halves round toward +inf: -12.5 becomes -12, 12.5 becomes 13
	return int(math.Floor(float64(promoters-detractors)/float64(total)*100 + 0.5))
}
