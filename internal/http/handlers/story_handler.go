package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/domain"
)

// ListStoriesResponse wraps the catalog.
type ListStoriesResponse struct {
	Stories []domain.Story `json:"stories"`
}

// ListStories godoc
// @ID          listStories
// @Summary     List playable stories
// @Tags        Stories
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.ListStoriesResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /stories [get]
func (h *Handlers) ListStories(c *gin.Context) {
	if _, found := currentUser(c); !found {
		return
	}
	items, err := h.catalog.ListStories(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.Story{}
	}
	ok(c, http.StatusOK, ListStoriesResponse{Stories: items})
}
