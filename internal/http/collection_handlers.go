package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"roadwatch-alarm/internal/repository"
	"roadwatch-alarm/internal/service"

	"go.uber.org/zap"
)

// CollectionHandler 集合查询 Handler
type CollectionHandler struct {
	queryService *service.QueryService
	logger       *zap.Logger
}

// NewCollectionHandler 创建集合查询 Handler
func NewCollectionHandler(queryService *service.QueryService, logger *zap.Logger) *CollectionHandler {
	return &CollectionHandler{
		queryService: queryService,
		logger:       logger,
	}
}

// ListCollections 分页查询集合
// GET /api/v1/collections?road_id=&milestone_from=&milestone_to=&start_time=&end_time=&incident_type=&advice=&status=&device_id=&page=&size=
func (h *CollectionHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filters := parseFilters(r)
	page := parseInt(r.URL.Query().Get("page"), 1)
	size := parseInt(r.URL.Query().Get("size"), 20)

	result, err := h.queryService.ListCollections(ctx, filters, page, size)
	if err != nil {
		h.logger.Error("ListCollections failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(result))
}

// GetCollection 集合详情（含有序成员及处置建议）
// GET /api/v1/collections/{id}
func (h *CollectionHandler) GetCollection(w http.ResponseWriter, r *http.Request, collectionID string) {
	ctx := r.Context()

	detail, err := h.queryService.GetCollectionDetail(ctx, collectionID)
	if err != nil {
		h.logger.Error("GetCollection failed",
			zap.String("collection_id", collectionID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(detail))
}

// GetCollectionGroups 集合成员分组视图（按检出目标）
// GET /api/v1/collections/{id}/groups
func (h *CollectionHandler) GetCollectionGroups(w http.ResponseWriter, r *http.Request, collectionID string) {
	ctx := r.Context()

	groups, err := h.queryService.GetCollectionGroups(ctx, collectionID)
	if err != nil {
		h.logger.Error("GetCollectionGroups failed",
			zap.String("collection_id", collectionID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(groups))
}

// ExportCollections 导出集合列表为 Excel
// GET /api/v1/collections/export
func (h *CollectionHandler) ExportCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := h.queryService.ExportCollections(ctx, parseFilters(r))
	if err != nil {
		h.logger.Error("ExportCollections failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="collections.xlsx"`)
	if err := f.Write(w); err != nil {
		h.logger.Error("Failed to write export file", zap.Error(err))
	}
}

// ConfirmAlarm 人工确认一条报警并触发所属集合重算
// POST /api/v1/alarms/{id}/confirm
func (h *CollectionHandler) ConfirmAlarm(w http.ResponseWriter, r *http.Request, alarmID string) {
	ctx := r.Context()

	coll, err := h.queryService.ConfirmAlarm(ctx, alarmID)
	if err != nil {
		h.logger.Error("ConfirmAlarm failed",
			zap.String("alarm_id", alarmID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, Ok(coll))
}

func parseFilters(r *http.Request) repository.CollectionFilters {
	filters := repository.CollectionFilters{
		RoadID:        queryString(r, "road_id"),
		DeviceID:      queryString(r, "device_id"),
		MilestoneFrom: queryInt(r, "milestone_from"),
		MilestoneTo:   queryInt(r, "milestone_to"),
		StartTime:     queryTime(r, "start_time"),
		EndTime:       queryTime(r, "end_time"),
		IncidentType:  queryString(r, "incident_type"),
		Status:        queryString(r, "status"),
	}

	if s := r.URL.Query().Get("advice"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 16); err == nil {
			advice := int16(v)
			filters.Advice = &advice
		}
	}

	return filters
}

// pathSegment 提取 /prefix/{id}[/suffix] 中的 id
func pathSegment(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", ""
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, ""
}
