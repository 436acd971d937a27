package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/hlc"
	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustRelayService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&MessageRecord{}, &DeviceRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func relayMessage(id, userID, clientID string, physical uint64) message.Message {
	return message.Message{
		ID:             id,
		Table:          "todos",
		Row:            "t1",
		Column:         "name",
		DataType:       message.DataTypeString,
		Value:          "value-" + id,
		LocalTimestamp: hlc.Hlc{Physical: physical, Logical: 0, Node: clientID}.Pack(),
		UserID:         userID,
		ClientID:       clientID,
	}
}

func TestAcceptBatchAssignsIncreasingTimestamps(t *testing.T) {
	service := mustRelayService(t)
	ctx := context.Background()

	batch := []message.Message{
		relayMessage("m-1", "u1", "c1", 1704067200000),
		relayMessage("m-2", "u1", "c1", 1704067200001),
		relayMessage("m-3", "u1", "c1", 1704067200002),
	}
	result, err := service.AcceptBatch(ctx, "u1", batch)
	if err != nil {
		t.Fatalf("accept batch failed: %v", err)
	}
	if len(result.Outcomes) != 3 || len(result.Stored) != 3 {
		t.Fatalf("unexpected result shape: %d outcomes, %d stored", len(result.Outcomes), len(result.Stored))
	}
	previous := int64(0)
	for _, outcome := range result.Outcomes {
		if !outcome.Accepted() || outcome.Duplicate() {
			t.Fatalf("expected fresh acceptance, got %#v", outcome)
		}
		if outcome.ServerTimestamp() <= previous {
			t.Fatalf("expected strictly increasing server timestamps, got %d after %d",
				outcome.ServerTimestamp(), previous)
		}
		previous = outcome.ServerTimestamp()
	}
}

func TestAcceptBatchDeduplicatesByMessageID(t *testing.T) {
	service := mustRelayService(t)
	ctx := context.Background()

	original := relayMessage("m-dup", "u1", "c1", 1704067200000)
	firstResult, err := service.AcceptBatch(ctx, "u1", []message.Message{original})
	if err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	assigned := firstResult.Outcomes[0].ServerTimestamp()

	secondResult, err := service.AcceptBatch(ctx, "u1", []message.Message{original})
	if err != nil {
		t.Fatalf("replayed accept failed: %v", err)
	}
	outcome := secondResult.Outcomes[0]
	if !outcome.Accepted() || !outcome.Duplicate() {
		t.Fatalf("expected duplicate acceptance, got %#v", outcome)
	}
	if outcome.ServerTimestamp() != assigned {
		t.Fatalf("expected duplicate to reuse timestamp %d, got %d", assigned, outcome.ServerTimestamp())
	}
	if len(secondResult.Stored) != 0 {
		t.Fatalf("expected nothing newly stored on replay, got %d", len(secondResult.Stored))
	}
}

func TestAcceptBatchRefusesForeignUser(t *testing.T) {
	service := mustRelayService(t)
	ctx := context.Background()

	result, err := service.AcceptBatch(ctx, "u1", []message.Message{
		relayMessage("m-own", "u1", "c1", 1704067200000),
		relayMessage("m-foreign", "u2", "c1", 1704067200001),
	})
	if err != nil {
		t.Fatalf("accept batch failed: %v", err)
	}
	acceptedIDs := result.AcceptedIDs()
	if len(acceptedIDs) != 1 || acceptedIDs[0] != "m-own" {
		t.Fatalf("expected only the user's own message accepted, got %v", acceptedIDs)
	}

	listed, err := service.ListSince(ctx, "u2", "other", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no messages leaked to the foreign user, got %d", len(listed))
	}
}

func TestListSinceFiltersCursorUserAndClient(t *testing.T) {
	service := mustRelayService(t)
	ctx := context.Background()

	if _, err := service.AcceptBatch(ctx, "u1", []message.Message{
		relayMessage("m-1", "u1", "c1", 1704067200000),
		relayMessage("m-2", "u1", "c2", 1704067200001),
		relayMessage("m-3", "u1", "c1", 1704067200002),
	}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := service.AcceptBatch(ctx, "u2", []message.Message{
		relayMessage("m-other", "u2", "c9", 1704067200003),
	}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	fromOther, err := service.ListSince(ctx, "u1", "c2", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(fromOther) != 2 || fromOther[0].ID != "m-1" || fromOther[1].ID != "m-3" {
		t.Fatalf("unexpected listing: %v", message.IDs(fromOther))
	}
	for _, m := range fromOther {
		if m.ServerTimestamp == nil {
			t.Fatalf("expected server timestamp on listed message %s", m.ID)
		}
	}

	cursor := *fromOther[0].ServerTimestamp
	afterCursor, err := service.ListSince(ctx, "u1", "c2", cursor)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(afterCursor) != 1 || afterCursor[0].ID != "m-3" {
		t.Fatalf("unexpected listing after cursor: %v", message.IDs(afterCursor))
	}
}

func TestAcceptBatchRegistersDevices(t *testing.T) {
	service := mustRelayService(t)
	ctx := context.Background()

	if _, err := service.AcceptBatch(ctx, "u1", []message.Message{
		relayMessage("m-1", "u1", "c1", 1704067200000),
		relayMessage("m-2", "u1", "c2", 1704067200001),
	}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := service.AcceptBatch(ctx, "u1", []message.Message{
		relayMessage("m-3", "u1", "c1", 1704067200002),
	}); err != nil {
		t.Fatalf("second accept failed: %v", err)
	}

	devices, err := service.ListDevices(ctx, "u1")
	if err != nil {
		t.Fatalf("list devices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 registered devices, got %d", len(devices))
	}
}

func TestAcceptBatchEmptyIsNoOp(t *testing.T) {
	service := mustRelayService(t)
	result, err := service.AcceptBatch(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("empty accept failed: %v", err)
	}
	if len(result.Outcomes) != 0 || len(result.Stored) != 0 {
		t.Fatalf("expected empty result, got %#v", result)
	}
}
