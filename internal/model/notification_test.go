package model

import (
	"testing"
	"time"
)

func TestTargeting_Mode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		targeting    Targeting
		wantMode     TargetMode
		wantPriority int
		wantAmbig    bool
	}{
		{name: "全体宛はbroadcast", targeting: Targeting{Broadcast: true}, wantMode: TargetBroadcast, wantPriority: 1},
		{name: "会社宛はcompanies", targeting: Targeting{TargetCompanies: []string{"c1"}}, wantMode: TargetCompanies, wantPriority: 3},
		{name: "個人宛はuser", targeting: Targeting{TargetUser: "u1"}, wantMode: TargetUser, wantPriority: 5},
		{name: "指定なしはnone", targeting: Targeting{}, wantMode: TargetNone, wantPriority: 5},
		{
			name:         "全体宛と個人宛が両方ある場合は全体宛が優先されること",
			targeting:    Targeting{Broadcast: true, TargetUser: "u1"},
			wantMode:     TargetBroadcast,
			wantPriority: 1,
			wantAmbig:    true,
		},
		{
			name:         "会社宛と個人宛が両方ある場合は会社宛が優先されること",
			targeting:    Targeting{TargetCompanies: []string{"c1"}, TargetUser: "u1"},
			wantMode:     TargetCompanies,
			wantPriority: 3,
			wantAmbig:    true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.targeting.Mode(); got != tt.wantMode {
				t.Errorf("Mode() = %q, want %q", got, tt.wantMode)
			}
			if got := tt.targeting.Priority(); got != tt.wantPriority {
				t.Errorf("Priority() = %d, want %d", got, tt.wantPriority)
			}
			if got := tt.targeting.Ambiguous(); got != tt.wantAmbig {
				t.Errorf("Ambiguous() = %v, want %v", got, tt.wantAmbig)
			}
		})
	}
}

func TestCreateInput_Validate(t *testing.T) {
	t.Parallel()

	valid := func() CreateInput {
		return CreateInput{Title: "t", Message: "m", Targeting: Targeting{TargetUser: "u1"}}
	}

	tests := []struct {
		name      string
		mutate    func(in *CreateInput)
		wantField string
	}{
		{name: "正しい入力はエラーにならないこと", mutate: func(*CreateInput) {}},
		{name: "タイトルが空白だけの場合", mutate: func(in *CreateInput) { in.Title = "  " }, wantField: "title"},
		{name: "本文が空の場合", mutate: func(in *CreateInput) { in.Message = "" }, wantField: "message"},
		{name: "未定義の種別の場合", mutate: func(in *CreateInput) { in.Kind = "urgent" }, wantField: "type"},
		{name: "対象指定が無い場合", mutate: func(in *CreateInput) { in.Targeting = Targeting{} }, wantField: "targeting"},
		{
			name:      "空の会社IDを含む場合",
			mutate:    func(in *CreateInput) { in.Targeting = Targeting{TargetCompanies: []string{"c1", ""}} },
			wantField: "target_companies",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := valid()
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate()でエラーが発生: %v", err)
				}
				return
			}
			if !IsValidationError(err) {
				t.Fatalf("ValidationErrorが返るべき: %v", err)
			}
			if ve := err.(*ValidationError); ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestNotification_Due(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	n := Notification{ScheduledFor: now}

	if !n.Due(now) {
		t.Error("予定日時ちょうどは配信対象であるべき")
	}
	if n.Due(now.Add(-time.Millisecond)) {
		t.Error("予定日時より前は配信対象ではない")
	}
}
