package framework

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

var propertyTags = []string{"violence", "drowning", "darkness", "heights", "crowds", "loss", "storm"}

func genTags() gopter.Gen {
	return gen.SliceOfN(3, gen.IntRange(0, len(propertyTags)-1)).Map(func(idx []int) []string {
		var tags []string
		for _, i := range idx {
			if !slices.Contains(tags, propertyTags[i]) {
				tags = append(tags, propertyTags[i])
			}
		}
		return tags
	})
}

func genInteraction() gopter.Gen {
	return gen.OneConstOf(
		Interaction{Kind: InteractionSafeWord, SafeWord: "red"},
		Interaction{Kind: InteractionEmergency},
		Interaction{Kind: InteractionFeedback, Feedback: &contracts.UserFeedback{Comfort: 5}},
		Interaction{Kind: InteractionBoundaryCheck, Category: "violence"},
		Interaction{Kind: InteractionGeneral},
		Interaction{Kind: InteractionResume},
	)
}

// TestProperty_BlockedContentNeverContinues checks that content touching a
// completely blocked category or a hard boundary is never let through.
func TestProperty_BlockedContentNeverContinues(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	fx := newFixture(t, nil)
	ctx := context.Background()

	properties.Property("blocked categories never continue", prop.ForAll(
		func(tags []string, intensity int) bool {
			id := fx.open(t, "alice")
			_, action, err := fx.fw.ValidateContent(ctx, id, content("c", contracts.IntensityLevel(intensity), tags...))
			if err != nil {
				return false
			}
			if slices.Contains(tags, "violence") || slices.Contains(tags, "drowning") {
				return action != contracts.ActionContinue && action != contracts.ActionWarn && action != contracts.ActionModify
			}
			return action.Valid()
		},
		genTags(),
		gen.IntRange(int(contracts.IntensityNone), int(contracts.IntensityExtreme)),
	))

	properties.TestingRun(t)
}

// TestProperty_EndedSessionsRejectEverything checks that once a session
// has ended every further call fails with SessionClosed.
func TestProperty_EndedSessionsRejectEverything(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	fx := newFixture(t, nil)
	ctx := context.Background()
	endings := []func(id string) error{
		func(id string) error { return fx.fw.EndSession(ctx, id, contracts.EndReasonNormal) },
		func(id string) error {
			_, err := fx.fw.ProcessInteraction(ctx, id, Interaction{Kind: InteractionEmergency})
			return err
		},
		func(id string) error {
			_, err := fx.fw.ProcessInteraction(ctx, id, Interaction{Kind: InteractionFeedback, Feedback: &contracts.UserFeedback{Crisis: true}})
			return err
		},
	}

	properties.Property("no call succeeds after the end", prop.ForAll(
		func(ending int, calls []Interaction) bool {
			id := fx.open(t, "bob")
			if err := endings[ending](id); err != nil {
				return false
			}
			if _, _, err := fx.fw.ValidateContent(ctx, id, content("c", contracts.IntensityLow)); !errors.Is(err, contracts.ErrSessionClosed) {
				return false
			}
			for _, in := range calls {
				if _, err := fx.fw.ProcessInteraction(ctx, id, in); !errors.Is(err, contracts.ErrSessionClosed) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(endings)-1),
		gen.SliceOfN(4, genInteraction()),
	))

	properties.TestingRun(t)
}

// TestProperty_StopAllLeavesNoActiveSession checks the global stop.
func TestProperty_StopAllLeavesNoActiveSession(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("every open session is stopped", prop.ForAll(
		func(n int) bool {
			fx := newFixture(t, nil)
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fx.open(t, "bob")
			}
			if fx.fw.EmergencyStopAll(context.Background(), "drill") != n {
				return false
			}
			for _, id := range ids {
				st, err := fx.fw.GetSessionStatus(id)
				if err != nil || st.State != contracts.StateEmergencyStop {
					return false
				}
			}
			return len(fx.fw.Sessions().ActiveSessionIDs()) == 0
		},
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
