package device

// FuzzyBool is a four-valued logic type for conditions that were
// observed outside a device's state lock and may have changed by the
// time the lock is actually taken: besides the two stable values
// False/True, the two "transitory" values record which way the
// condition is expected to settle, grounded on
// utils/FuzzyBool.h's fuzzy::False/WasFalse/WasTrue/True (spec section
// 9 Design Notes).
type FuzzyBool int32

const (
	False FuzzyBool = iota
	TransitoryFalse
	TransitoryTrue
	True
)

func (f FuzzyBool) IsFalse() bool           { return f == False }
func (f FuzzyBool) IsTransitoryFalse() bool { return f == TransitoryFalse }
func (f FuzzyBool) IsTransitoryTrue() bool  { return f == TransitoryTrue }
func (f FuzzyBool) IsTrue() bool            { return f == True }

// IsMomentaryFalse reports whether f was observed false, regardless of
// whether it might flip to true later.
func (f FuzzyBool) IsMomentaryFalse() bool { return f == False || f == TransitoryFalse }

// IsMomentaryTrue reports whether f was observed true, regardless of
// whether it might flip to false later.
func (f FuzzyBool) IsMomentaryTrue() bool { return f == TransitoryTrue || f == True }

// FuzzyCondition pairs a FuzzyBool observed before a device's state
// lock was taken with a Recheck closure that re-evaluates the same
// condition once it is held. StartIf/StopIf only call Recheck for a
// TransitoryTrue value, matching the original's start_if/stop_if: a
// flat True is trusted outright and a flat False should never reach
// them at all.
type FuzzyCondition struct {
	Value   FuzzyBool
	Recheck func() bool
}
