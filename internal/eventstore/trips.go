package eventstore

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/model"
)

// RawFactItem encodes a raw fact as the item stored under (trip_id, RAW#<half>).
// ArrivalSequence is assigned by the store and is not part of the data.
func RawFactItem(f model.RawFact) (Item, error) {
	f.ArrivalSequence = 0
	if f.State == "" {
		f.State = model.StateUnmatched
	}
	data, err := json.Marshal(f)
	if err != nil {
		return Item{}, eris.Wrapf(err, "encode raw fact %s/%s", f.TripID, f.Half)
	}
	return Item{
		PK:        f.TripID,
		SK:        f.Half.SortKey(),
		Status:    string(f.State),
		Data:      data,
		CreatedAt: f.ReceivedAt,
	}, nil
}

// FactFromItem decodes a raw-fact item. The processing state and arrival
// sequence come from the item, which is authoritative for both.
func FactFromItem(it Item) (model.RawFact, error) {
	half, ok := model.HalfFromSortKey(it.SK)
	if !ok {
		return model.RawFact{}, eris.Errorf("item %s/%s is not a raw fact", it.PK, it.SK)
	}
	var f model.RawFact
	if err := json.Unmarshal(it.Data, &f); err != nil {
		return model.RawFact{}, eris.Wrapf(err, "decode raw fact %s/%s", it.PK, it.SK)
	}
	if f.TripID != it.PK {
		return model.RawFact{}, eris.Errorf("raw fact %s/%s carries trip_id %q", it.PK, it.SK, f.TripID)
	}
	if f.Half != half {
		return model.RawFact{}, eris.Errorf("raw fact %s/%s carries half_type %q", it.PK, it.SK, f.Half)
	}
	f.ArrivalSequence = it.Seq
	f.State = model.ProcessingState(it.Status)
	return f, nil
}

// CompletedItem encodes a completed trip, indexed by its completion date.
func CompletedItem(c model.CompletedTrip) (Item, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Item{}, eris.Wrapf(err, "encode completed trip %s", c.TripID)
	}
	return Item{
		PK:    c.TripID,
		SK:    model.CompletedSortKey,
		Index: c.CompletionDate,
		Data:  data,
	}, nil
}

// CompletedFromItem decodes a completed-trip item.
func CompletedFromItem(it Item) (model.CompletedTrip, error) {
	if it.SK != model.CompletedSortKey {
		return model.CompletedTrip{}, eris.Errorf("item %s/%s is not a completed trip", it.PK, it.SK)
	}
	var c model.CompletedTrip
	if err := json.Unmarshal(it.Data, &c); err != nil {
		return model.CompletedTrip{}, eris.Wrapf(err, "decode completed trip %s", it.PK)
	}
	return c, nil
}
