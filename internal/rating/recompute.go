package rating

import (
	"math"
	"time"

	"github.com/example/carpool/internal/models"
)

// Recompute derives a user's stats from the ratings they received. It has no
// side effects; empty subsets average to zero. Averages keep two decimals.
func Recompute(userID string, ratings []models.Rating, now time.Time) models.UserRatingStats {
	var driverSum, passengerSum, driverN, passengerN int
	for _, r := range ratings {
		if r.RatedUserID != userID {
			continue
		}
		switch r.Type {
		case models.RatingDriver:
			driverSum += r.Score
			driverN++
		case models.RatingPassenger:
			passengerSum += r.Score
			passengerN++
		}
	}
	return models.UserRatingStats{
		UserID:                 userID,
		DriverAverageRating:    mean(driverSum, driverN),
		DriverTotalRatings:     driverN,
		PassengerAverageRating: mean(passengerSum, passengerN),
		PassengerTotalRatings:  passengerN,
		OverallAverageRating:   mean(driverSum+passengerSum, driverN+passengerN),
		TotalRatings:           driverN + passengerN,
		UpdatedAt:              now,
	}
}

func mean(sum, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(n)*100) / 100
}
