package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/domainname"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DomainParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     attributiondomain.Repository
	AuditSvc auditdomain.Service
	Listener attributiondomain.DisputeListener `optional:"true"`
}

type DomainService struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     attributiondomain.Repository
	auditSvc auditdomain.Service
	listener attributiondomain.DisputeListener
}

func NewDomainService(p DomainParams) attributiondomain.DomainService {
	return &DomainService{
		db:       p.DB,
		log:      p.Log.Named("attribution.domains"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
		listener: p.Listener,
	}
}

func (s *DomainService) Get(ctx context.Context, tenantID snowflake.ID, domain string) (attributiondomain.AttributedDomain, error) {
	key, err := normalizeKey(tenantID, domain)
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}
	record, err := s.repo.FindDomain(ctx, s.db, tenantID, key)
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}
	if record == nil {
		return attributiondomain.AttributedDomain{}, attributiondomain.ErrDomainNotFound
	}
	return *record, nil
}

func (s *DomainService) List(ctx context.Context, req attributiondomain.ListDomainsRequest) (attributiondomain.ListDomainsResponse, error) {
	if req.TenantID == 0 {
		return attributiondomain.ListDomainsResponse{}, attributiondomain.ErrInvalidTenant
	}

	var afterID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return attributiondomain.ListDomainsResponse{}, pagination.ErrInvalidPageToken
	}
	if cursor != nil {
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return attributiondomain.ListDomainsResponse{}, pagination.ErrInvalidPageToken
		}
	}

	limit := pagination.Pagination{PageSize: int(req.PageSize)}.Limit()
	items, err := s.repo.ListDomains(ctx, s.db, req.TenantID, req.Status, afterID, limit+1)
	if err != nil {
		return attributiondomain.ListDomainsResponse{}, err
	}
	items, page := pagination.BuildPage(items, limit, func(item attributiondomain.AttributedDomain) string {
		return item.ID.String()
	})
	return attributiondomain.ListDomainsResponse{
		Domains:       items,
		NextPageToken: page.NextPageToken,
		HasMore:       page.HasMore,
	}, nil
}

func (s *DomainService) Timeline(ctx context.Context, tenantID snowflake.ID, domain string) ([]attributiondomain.DomainEvent, error) {
	record, err := s.Get(ctx, tenantID, domain)
	if err != nil {
		return nil, err
	}
	return s.repo.ListDomainEvents(ctx, s.db, tenantID, record.ID)
}

func (s *DomainService) RequestDispute(ctx context.Context, req attributiondomain.RequestDisputeRequest) (attributiondomain.AttributedDomain, error) {
	reason := strings.TrimSpace(req.Reason)
	return s.transition(ctx, req.TenantID, req.Domain, attributiondomain.DomainStatusDisputePending,
		auditdomain.ActionDomainDisputeRequested, map[string]any{"reason": reason},
		func(d *attributiondomain.AttributedDomain, now time.Time) {
			if reason != "" {
				d.DisputeReason = &reason
			}
			d.DisputeRequestedAt = &now
			d.DisputeResolvedAt = nil
		})
}

// ResolveDispute approves (DISPUTED) or rejects (back to ATTRIBUTED) a pending dispute.
// Approval drops the domain's unsubmitted billing line items.
func (s *DomainService) ResolveDispute(ctx context.Context, req attributiondomain.ResolveDisputeRequest) (attributiondomain.AttributedDomain, error) {
	target := attributiondomain.DomainStatusAttributed
	action := auditdomain.ActionDomainDisputeRejected
	if req.Approve {
		target = attributiondomain.DomainStatusDisputed
		action = auditdomain.ActionDomainDisputeApproved
	}

	record, err := s.transition(ctx, req.TenantID, req.Domain, target, action, nil,
		func(d *attributiondomain.AttributedDomain, now time.Time) {
			d.DisputeResolvedAt = &now
		})
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}

	if req.Approve && s.listener != nil {
		if err := s.listener.OnDomainDisputed(ctx, record.TenantID, record.Domain); err != nil {
			s.log.Warn("failed to release disputed line items",
				zap.String("tenant_id", record.TenantID.String()),
				zap.String("domain", record.Domain),
				zap.Error(err),
			)
			return record, err
		}
	}
	return record, nil
}

func (s *DomainService) Promote(ctx context.Context, tenantID snowflake.ID, domain string) (attributiondomain.AttributedDomain, error) {
	return s.transition(ctx, tenantID, domain, attributiondomain.DomainStatusClientPromoted,
		auditdomain.ActionDomainPromoted, nil, nil)
}

// MarkManual records an operator-asserted attribution for a domain with no matched event.
func (s *DomainService) MarkManual(ctx context.Context, req attributiondomain.MarkManualRequest) (attributiondomain.AttributedDomain, error) {
	key, err := normalizeKey(req.TenantID, req.Domain)
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}

	now := s.clock.Now().UTC()
	at := req.At
	if at.IsZero() {
		at = now
	}
	record := attributiondomain.AttributedDomain{
		ID:           s.genID.Generate(),
		TenantID:     req.TenantID,
		Domain:       key,
		KeyType:      keyTypeFor(key),
		FirstEventAt: at.UTC(),
		LastEventAt:  at.UTC(),
		MatchType:    attributiondomain.MatchKindNone,
		Status:       attributiondomain.DomainStatusManual,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	inserted, err := s.repo.InsertDomain(ctx, s.db, &record)
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}
	if !inserted {
		return attributiondomain.AttributedDomain{}, attributiondomain.ErrDomainAlreadyExists
	}

	s.audit(ctx, record, auditdomain.ActionDomainMarkedManual, nil)
	return record, nil
}

func (s *DomainService) transition(
	ctx context.Context,
	tenantID snowflake.ID,
	domain string,
	target attributiondomain.DomainStatus,
	action string,
	metadata map[string]any,
	mutate func(*attributiondomain.AttributedDomain, time.Time),
) (attributiondomain.AttributedDomain, error) {
	key, err := normalizeKey(tenantID, domain)
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}

	var (
		updated attributiondomain.AttributedDomain
		from    attributiondomain.DomainStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindDomainForUpdate(ctx, tx, tenantID, key)
		if err != nil {
			return err
		}
		if record == nil {
			return attributiondomain.ErrDomainNotFound
		}
		if !attributiondomain.CanTransition(record.Status, target) {
			return attributiondomain.ErrInvalidDomainTransition
		}

		now := s.clock.Now().UTC()
		from = record.Status
		record.Status = target
		record.UpdatedAt = now
		if mutate != nil {
			mutate(record, now)
		}
		if err := s.repo.SaveDomain(ctx, tx, record); err != nil {
			return err
		}
		updated = *record
		return nil
	})
	if err != nil {
		return attributiondomain.AttributedDomain{}, err
	}

	payload := map[string]any{"from": string(from), "to": string(target)}
	for k, v := range metadata {
		payload[k] = v
	}
	s.audit(ctx, updated, action, payload)
	return updated, nil
}

// audit failures are logged by the audit service and never undo a committed transition
func (s *DomainService) audit(ctx context.Context, record attributiondomain.AttributedDomain, action string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["domain"] = record.Domain
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   record.TenantID,
		Action:     action,
		TargetType: "attributed_domain",
		TargetID:   record.ID.String(),
		Metadata:   metadata,
	})
}

func normalizeKey(tenantID snowflake.ID, raw string) (string, error) {
	if tenantID == 0 {
		return "", attributiondomain.ErrInvalidTenant
	}
	key := domainname.Key(raw)
	if key == "" {
		return "", attributiondomain.ErrInvalidDomain
	}
	return key, nil
}

func keyTypeFor(key string) attributiondomain.KeyType {
	if strings.Contains(key, "@") {
		return attributiondomain.KeyTypeEmail
	}
	return attributiondomain.KeyTypeDomain
}
