package taskname

const (
	// Royalty dispatch tasks
	RoyaltyPlanDispatch = "royalty:plan:dispatch"
	RoyaltyPlansResume  = "royalty:plans:resume"

	// Royalty events
	RoyaltyPlanSettled = "royalty:plan:settled"
)
