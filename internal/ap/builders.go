package ap

import (
	"time"

	"github.com/google/uuid"
)

// newActivityID mints a unique local activity ID.
func newActivityID(origin string) string {
	return LocalObjectID(origin, uuid.NewString())
}

func nowPublished() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// BuildAccept constructs an Accept(Follow) addressed to the original
// follow source.
func BuildAccept(origin, actorID string, followActivity interface{}, followerID string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Accept",
		Actor:     actorID,
		Object:    followActivity,
		To:        []string{followerID},
		Published: nowPublished(),
	}
}

// BuildReject constructs a Reject(Follow).
func BuildReject(origin, actorID string, followActivity interface{}, followerID string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Reject",
		Actor:     actorID,
		Object:    followActivity,
		To:        []string{followerID},
		Published: nowPublished(),
	}
}

// BuildFollow constructs a Follow request from a local actor.
func BuildFollow(origin, sourceID, targetID string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Follow",
		Actor:     sourceID,
		Object:    targetID,
		To:        []string{targetID},
		Published: nowPublished(),
	}
}

// BuildUndo wraps a previously sent activity in an Undo.
func BuildUndo(origin, actorID string, inner interface{}, to []string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Undo",
		Actor:     actorID,
		Object:    inner,
		To:        to,
		Published: nowPublished(),
	}
}

// BuildCreate wraps an object in a Create with the object's addressing.
func BuildCreate(origin, actorID string, obj *Object) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        obj.ID + "/activity",
		Type:      "Create",
		Actor:     actorID,
		Object:    obj,
		To:        []string(obj.To),
		CC:        []string(obj.CC),
		Published: obj.Published,
	}
}

// BuildUpdate wraps an object or actor document in an Update.
func BuildUpdate(origin, actorID string, obj interface{}, to, cc []string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Update",
		Actor:     actorID,
		Object:    obj,
		To:        to,
		CC:        cc,
		Published: nowPublished(),
	}
}

// BuildDelete constructs a Delete for an object or actor ID.
func BuildDelete(origin, actorID, objectID string, to []string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Delete",
		Actor:     actorID,
		Object:    objectID,
		To:        to,
		Published: nowPublished(),
	}
}

// BuildLike constructs a Like of an object.
func BuildLike(origin, actorID, objectID string, to []string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Like",
		Actor:     actorID,
		Object:    objectID,
		To:        to,
		Published: nowPublished(),
	}
}

// BuildAnnounce constructs an Announce (repost) of an object.
func BuildAnnounce(origin, actorID, objectID, announceID string, to, cc []string) *Activity {
	id := announceID
	if id == "" {
		id = newActivityID(origin)
	}
	return &Activity{
		Context:   DefaultContext,
		ID:        id,
		Type:      "Announce",
		Actor:     actorID,
		Object:    objectID,
		To:        to,
		CC:        cc,
		Published: nowPublished(),
	}
}

// BuildMove constructs a Move(Person) from oldID to newID.
func BuildMove(origin, actorID, targetID string, to []string) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        newActivityID(origin),
		Type:      "Move",
		Actor:     actorID,
		Object:    actorID,
		Target:    targetID,
		To:        to,
		Published: nowPublished(),
	}
}
