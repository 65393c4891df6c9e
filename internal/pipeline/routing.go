package pipeline

import (
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/models"
)

// modelForCategory applies the routing rule: handwritten pages need the
// higher-capability model, typed pages take the cheaper one. Mixed pages
// route by the route_mixed_to_pro setting, which defaults to the cheaper
// model.
func modelForCategory(category models.PageCategory, gemini *common.GeminiConfig, routeMixedToPro bool) string {
	switch category {
	case models.CategoryHandwritten:
		return gemini.ProModel
	case models.CategoryMixed:
		if routeMixedToPro {
			return gemini.ProModel
		}
		return gemini.FlashModel
	default:
		return gemini.FlashModel
	}
}
