package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/serena/serena-cli/internal/models"
)

func record(id string) models.IngestRecord {
	return &models.HeartRateRecord{Header: models.Header{DeviceID: id}, BPM: 60}
}

func drain(ch <-chan models.IngestRecord) []string {
	var ids []string
	for rec := range ch {
		ids = append(ids, rec.Envelope().DeviceID)
	}
	return ids
}

func TestDispatcher_EverySinkSeesEveryRecord(t *testing.T) {
	source := make(chan models.IngestRecord, 10)
	d := NewDispatcher(source, 10, nil)
	capture := d.Subscribe("capture")
	mqtt := d.Subscribe("mqtt")

	if got := fmt.Sprint(d.Sinks()); got != "[capture mqtt]" {
		t.Fatalf("sinks = %s", got)
	}

	for i := 0; i < 5; i++ {
		source <- record(fmt.Sprintf("r%d", i))
	}
	close(source)
	d.Run(context.Background())

	want := "[r0 r1 r2 r3 r4]"
	for name, ch := range map[string]<-chan models.IngestRecord{"capture": capture, "mqtt": mqtt} {
		if got := fmt.Sprint(drain(ch)); got != want {
			t.Errorf("%s got %s, want %s", name, got, want)
		}
	}
	if d.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", d.Dropped())
	}
}

func TestDispatcher_SlowSinkLosesRecords(t *testing.T) {
	source := make(chan models.IngestRecord, 10)
	d := NewDispatcher(source, 2, nil)
	slow := d.Subscribe("slow")

	for i := 0; i < 10; i++ {
		source <- record(fmt.Sprintf("r%d", i))
	}
	close(source)
	d.Run(context.Background())

	if got := fmt.Sprint(drain(slow)); got != "[r0 r1]" {
		t.Errorf("slow sink got %s, want the first two records", got)
	}
	if d.Dropped() != 8 {
		t.Errorf("expected 8 drops, got %d", d.Dropped())
	}
	if by := d.DroppedBy(); by["slow"] != 8 || len(by) != 1 {
		t.Errorf("DroppedBy = %v", by)
	}
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	source := make(chan models.IngestRecord)
	d := NewDispatcher(source, 10, nil)
	sub := d.Subscribe("capture")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	source <- record("before-cancel")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}

	// closed once Run returns, so drain terminates
	if got := drain(sub); len(got) != 1 || got[0] != "before-cancel" {
		t.Errorf("got %v, want [before-cancel]", got)
	}
}
