package logging

import "testing"

func BenchmarkRecord(b *testing.B) {
	tempDir := b.TempDir()
	resetState()
	if err := Initialize(tempDir, false, "info", 0); err != nil {
		b.Fatal(err)
	}
	if err := InitAudit(); err != nil {
		b.Fatal(err)
	}
	defer func() {
		CloseAudit()
		resetState()
	}()

	ev := AuditEvent{
		EventType: AuditPatchApplied,
		File:      "internal/runner/runner.go",
		Success:   true,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Record(ev)
	}
}
