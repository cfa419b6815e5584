package chat

// Presence turns registry mutations into notifications. It holds no state of
// its own; every list it emits is the one returned by the mutation.
type Presence struct {
	notifier Notifier
}

// NewPresence returns a Presence publishing through n.
func NewPresence(n Notifier) *Presence {
	return &Presence{notifier: n}
}

// Joined publishes the online list and the join notice. A user displaced from
// the joining connection is announced as having left.
func (p *Presence) Joined(res JoinResult) {
	p.notifier.Broadcast(EventUserList, onlineList(res.Online))
	if res.Replaced != nil {
		p.notifier.Broadcast(EventUserLeft, Notice{
			Username:     res.Replaced.Username,
			ConnectionID: res.User.ConnectionID,
		})
	}
	p.notifier.Broadcast(EventUserJoined, Notice{
		Username:     res.User.Username,
		ConnectionID: res.User.ConnectionID,
	})
}

// Left publishes the online list and the leave notice.
func (p *Presence) Left(res LeaveResult) {
	p.notifier.Broadcast(EventUserList, onlineList(res.Online))
	p.notifier.Broadcast(EventUserLeft, Notice{
		Username:     res.Departed.Username,
		ConnectionID: res.Departed.ConnectionID,
	})
}

// onlineList keeps an empty list encoding as [] rather than null.
func onlineList(users []User) []User {
	if users == nil {
		return []User{}
	}
	return users
}
