package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/audit/masking"
	"github.com/smallbiznis/attribution/internal/clock"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record writes one audit row. Metadata is masked before it is stored.
func (s *Service) Record(ctx context.Context, in auditdomain.Entry) error {
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(in.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := masking.MaskMetadata(in.Metadata)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType, actorID := s.resolveActor(ctx, in.ActorType, in.ActorID)
	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   s.resolveTenantID(ctx, in.TenantID),
		ActorType:  actorType,
		ActorID:    optionalString(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   optionalString(in.TargetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	var tenantID snowflake.ID
	if resolved := s.resolveTenantID(ctx, req.TenantID); resolved != nil {
		tenantID = *resolved
	}
	if tenantID == 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTenant
	}

	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var beforeID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}
	if cursor != nil {
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		beforeID = id
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:   tenantID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		BeforeID:   beforeID,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo := pagination.BuildPage(items, limit, func(item *auditdomain.AuditLog) string {
		return item.ID.String()
	})

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

func (s *Service) resolveTenantID(ctx context.Context, tenantID snowflake.ID) *snowflake.ID {
	if tenantID != 0 {
		return &tenantID
	}
	raw := obscontext.TenantIDFromContext(ctx)
	if raw == "" {
		return nil
	}
	resolved, err := snowflake.ParseString(raw)
	if err != nil || resolved == 0 {
		return nil
	}
	return &resolved
}

// resolveActor falls back to the actor on the request context, then to system.
func (s *Service) resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID string) (string, string) {
	kind := strings.TrimSpace(string(actorType))
	actorID = strings.TrimSpace(actorID)
	if kind == "" {
		if ctxType, ctxID := obscontext.ActorFromContext(ctx); ctxType != "" {
			kind = ctxType
			if actorID == "" {
				actorID = ctxID
			}
		}
	}
	if kind == "" {
		kind = string(auditdomain.ActorTypeSystem)
	}
	return kind, actorID
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
