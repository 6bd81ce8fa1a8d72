package store

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/relaycore/relay/model"
)

func applyPagingFilter(builder sq.SelectBuilder, paging model.Paging) sq.SelectBuilder {
	if paging.PerPage != model.AllPerPage {
		builder = builder.
			Limit(uint64(paging.PerPage)).
			Offset(uint64(paging.Page * paging.PerPage))
	}
	if !paging.IncludeDeleted {
		builder = builder.Where("DeleteAt = 0")
	}

	return builder
}
