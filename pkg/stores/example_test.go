package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/processor/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a journal.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Journal initialized successfully")
	// Output: Journal initialized successfully
}

// ExampleSQLiteStore_RecordDelivery demonstrates journaling a callback delivery.
func ExampleSQLiteStore_RecordDelivery() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.RecordDelivery(ctx, &stores.Delivery{
		ID:          "3f1c9a52-delivery",
		ExecutionID: 7,
		Result:      "success",
		Sink:        "webhook",
		Status:      stores.DeliveryStatusDelivered,
		Height:      120,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		log.Fatal(err)
	}

	id := uint64(7)
	deliveries, _ := store.ListDeliveries(ctx, &id, nil, 10, 0)
	fmt.Printf("execution %d: %s (%s)\n", deliveries[0].ExecutionID, deliveries[0].Result, deliveries[0].Status)
	// Output: execution 7: success (delivered)
}

// ExampleSQLiteStore_PurgeBefore demonstrates retention maintenance.
func ExampleSQLiteStore_PurgeBefore() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.AppendEvent(ctx, &stores.Event{
		EventID:   "evt-1",
		Type:      "enqueued",
		Timestamp: time.Now().Add(-30 * 24 * time.Hour),
	})

	res, _ := store.PurgeBefore(ctx, time.Now().Add(-7*24*time.Hour))
	fmt.Printf("purged %d events\n", res.Events)
	// Output: purged 1 events
}
