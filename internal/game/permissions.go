package game

const minimumParticipants = 3

// Permissions is what the local user may do given one snapshot. It is derived,
// never stored apart from the snapshot that produced it.
type Permissions struct {
	IsOwner                 bool
	UserHasNextTurn         bool
	CanAddGift              bool
	CanCheckIn              bool
	CanShowGiftList         bool
	ShowMinimumParticipants bool
	CanStartChecking        bool
	CanShowStartButton      bool
	CanShowWaitingToStart   bool
	CanPickGift             bool
	CanStealGift            bool
}

// Intent is a user action gated by Permissions.
type Intent string

const (
	IntentAddGift       Intent = "addGift"
	IntentCheckIn       Intent = "checkIn"
	IntentStartChecking Intent = "startChecking"
	IntentStartGame     Intent = "startGame"
	IntentPickGift      Intent = "pickGift"
	IntentStealGift     Intent = "stealGift"
)

// Allows reports whether intent is currently permitted.
func (p Permissions) Allows(intent Intent) bool {
	switch intent {
	case IntentAddGift:
		return p.CanAddGift
	case IntentCheckIn:
		return p.CanCheckIn
	case IntentStartChecking:
		return p.CanStartChecking
	case IntentStartGame:
		return p.CanShowStartButton
	case IntentPickGift:
		return p.CanPickGift
	case IntentStealGift:
		return p.CanStealGift
	default:
		return false
	}
}

// Derive computes the permissions of userID over snapshot. A nil snapshot or an
// unknown user (id 0) permits nothing.
func Derive(snapshot *Snapshot, userID int64) Permissions {
	if snapshot == nil || userID == 0 {
		return Permissions{}
	}

	local, present := snapshot.Participant(userID)
	isOwner := snapshot.Owner.ID == userID
	userCount := len(snapshot.Users)

	var permissions Permissions
	permissions.IsOwner = isOwner
	permissions.UserHasNextTurn = snapshot.CurrentTurn != nil && *snapshot.CurrentTurn == userID

	permissions.CanAddGift = snapshot.Status == StatusCheckIn && present && local.GiftID == nil
	permissions.CanCheckIn = present && local.GiftID != nil && !local.IsCheckedIn
	permissions.CanShowGiftList = snapshot.Status != StatusNotStarted

	permissions.ShowMinimumParticipants = isOwner && userCount < minimumParticipants
	permissions.CanStartChecking = !permissions.ShowMinimumParticipants && isOwner && snapshot.Status == StatusNotStarted

	inCheckIn := snapshot.Status == StatusCheckIn && userCount >= minimumParticipants
	permissions.CanShowStartButton = isOwner && inCheckIn && everyone(snapshot.Users, func(p Participant) bool {
		return p.GiftID != nil && p.IsCheckedIn
	})
	permissions.CanShowWaitingToStart = !isOwner && inCheckIn && everyone(snapshot.Users, func(p Participant) bool {
		return p.IsCheckedIn
	})

	ongoing := snapshot.Status == StatusOngoing
	permissions.CanPickGift = ongoing && permissions.UserHasNextTurn
	permissions.CanStealGift = ongoing && permissions.UserHasNextTurn && present &&
		local.StealsSoFar < snapshot.Steals.Limits.PerUser &&
		snapshot.Steals.TotalSoFar < snapshot.Steals.Limits.PerGame

	return permissions
}

func everyone(users []Participant, match func(Participant) bool) bool {
	for _, user := range users {
		if !match(user) {
			return false
		}
	}
	return true
}

// PickableGifts lists unreceived gifts the user did not bring.
func PickableGifts(snapshot *Snapshot, userID int64) []Gift {
	if snapshot == nil {
		return nil
	}
	var gifts []Gift
	for _, gift := range snapshot.Gifts {
		if gift.ReceivedByID == nil && gift.AddedByID != userID {
			gifts = append(gifts, gift)
		}
	}
	return gifts
}

// StealableGifts lists gifts held by someone else that the user could take. It is
// empty once the user's or the game's steal limit is reached.
func StealableGifts(snapshot *Snapshot, userID int64) []Gift {
	if snapshot == nil {
		return nil
	}
	local, _ := snapshot.Participant(userID)
	limits := snapshot.Steals.Limits
	if local.StealsSoFar >= limits.PerUser || snapshot.Steals.TotalSoFar >= limits.PerGame {
		return nil
	}
	var gifts []Gift
	for _, gift := range snapshot.Gifts {
		if gift.ReceivedByID == nil || *gift.ReceivedByID == userID {
			continue
		}
		if gift.AddedByID == userID || gift.IsLocked || gift.StolenCount >= limits.PerGift {
			continue
		}
		gifts = append(gifts, gift)
	}
	return gifts
}
