package konfhub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pinkpass/internal/model"
)

func TestHumanizeEmail(t *testing.T) {
	tests := map[string]string{
		"priya.sharma@example.com": "Priya Sharma",
		"RAHUL_k-92@example.com":   "Rahul K 92",
		"  a..b@example.com":       "A B",
		"@example.com":             "Guest",
		"anjali+party@example.com": "Anjali Party",
	}

	for in, want := range tests {
		assert.Equal(t, want, HumanizeEmail(in), in)
	}
}

func TestBuildAttendees_CyclesRecipients(t *testing.T) {
	order := &model.Order{
		Type:       model.OrderTypeBulk,
		Name:       "Club Lead",
		Email:      "lead@example.com",
		Phone:      "9876543210",
		Passes:     5,
		Recipients: []string{"lead@example.com", "meera.iyer@example.com"},
	}

	got := BuildAttendees(order, "+91", "in")
	require.Len(t, got, 5)
	assert.Equal(t, "lead@example.com", got[0].EmailID)
	assert.Equal(t, "Club Lead", got[0].Name)
	assert.Equal(t, "meera.iyer@example.com", got[1].EmailID)
	assert.Equal(t, "Meera Iyer", got[1].Name)
	assert.Equal(t, "lead@example.com", got[4].EmailID)
	assert.Equal(t, "9876543210", got[3].PhoneNumber)
	assert.Equal(t, "+91", got[3].DialCode)
}

func TestBuildAttendees_DonationSuffix(t *testing.T) {
	order := &model.Order{Type: model.OrderTypeDonation, Email: "kavya.n@example.com", Passes: 3}

	got := BuildAttendees(order, "+91", "in")
	require.Len(t, got, 3)
	assert.Equal(t, "Kavya N #1", got[0].Name)
	assert.Equal(t, "Kavya N #3", got[2].Name)
}

func TestBuildAttendees_NoPasses(t *testing.T) {
	assert.Empty(t, BuildAttendees(&model.Order{Passes: 0}, "+91", "in"))
}
