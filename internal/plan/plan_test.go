package plan

import "testing"

func TestTableTask_QualifiedName(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		table  string
		want   string
	}{
		{"public schema omitted", "public", "accounts", "accounts"},
		{"empty schema omitted", "", "accounts", "accounts"},
		{"other schema kept", "reporting", "accounts", "reporting.accounts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := TableTask{Schema: tt.schema, Name: tt.table}
			if got := tk.QualifiedName(); got != tt.want {
				t.Errorf("QualifiedName() = %q, want %q", got, tt.want)
			}
		})
	}
}
