// README: Registry backed by Redis GEO, hashes and reservation keys.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	driverGeoKey      = "matching:drivers"
	driverMetaPrefix  = "matching:driver:%s"
	reservationPrefix = "matching:driver:%s:ride"
	// reservations outlive any ride; Release or the ride store clears them.
	reservationTTL = 24 * time.Hour
)

// reserveScript sets the reservation only when the driver is online and unheld.
var reserveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') ~= '1' then
	return 0
end
if redis.call('SET', KEYS[2], ARGV[1], 'NX', 'EX', ARGV[2]) then
	return 1
end
return 0
`)

// releaseScript deletes the reservation only when it still names the ride.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisRegistry struct {
	redis *redis.Client
	now   func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{redis: client, now: time.Now}
}

func (s *RedisRegistry) SetAvailability(ctx context.Context, driverID types.ID, online bool, loc types.Point) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, metaKey(driverID), map[string]any{
		"online":  boolFlag(online),
		"lat":     strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng":     strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"updated": s.now().UTC().Format(time.RFC3339),
	})
	if online {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(driverID),
			Longitude: loc.Lng,
			Latitude:  loc.Lat,
		})
	} else {
		pipe.ZRem(ctx, driverGeoKey, string(driverID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRegistry) UpdateLocation(ctx context.Context, driverID types.ID, loc types.Point) error {
	online, err := s.redis.HGet(ctx, metaKey(driverID), "online").Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownDriver
	}
	if err != nil {
		return err
	}
	return s.SetAvailability(ctx, driverID, online == "1", loc)
}

func (s *RedisRegistry) State(ctx context.Context, driverID types.ID) (DriverState, bool, error) {
	pipe := s.redis.Pipeline()
	metaCmd := pipe.HGetAll(ctx, metaKey(driverID))
	rideCmd := pipe.Get(ctx, reservationKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return DriverState{}, false, err
	}
	meta := metaCmd.Val()
	if len(meta) == 0 {
		return DriverState{}, false, nil
	}
	st := parseState(driverID, meta)
	if ride, err := rideCmd.Result(); err == nil {
		id := types.ID(ride)
		st.ActiveRide = &id
	}
	return st, true, nil
}

func (s *RedisRegistry) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]DriverState, error) {
	results, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	pipe := s.redis.Pipeline()
	held := make([]*redis.IntCmd, len(results))
	for i, r := range results {
		held[i] = pipe.Exists(ctx, reservationKey(types.ID(r.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]DriverState, 0, len(results))
	for i, r := range results {
		if held[i].Val() > 0 {
			continue
		}
		out = append(out, DriverState{
			DriverID: types.ID(r.Name),
			Online:   true,
			Location: types.Point{Lat: r.Latitude, Lng: r.Longitude},
		})
	}
	return out, nil
}

func (s *RedisRegistry) Reserve(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	n, err := reserveScript.Run(ctx, s.redis,
		[]string{metaKey(driverID), reservationKey(driverID)},
		string(rideID), int(reservationTTL/time.Second),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisRegistry) Release(ctx context.Context, driverID, rideID types.ID) error {
	return releaseScript.Run(ctx, s.redis, []string{reservationKey(driverID)}, string(rideID)).Err()
}

func parseState(driverID types.ID, meta map[string]string) DriverState {
	st := DriverState{DriverID: driverID, Online: meta["online"] == "1"}
	st.Location.Lat, _ = strconv.ParseFloat(meta["lat"], 64)
	st.Location.Lng, _ = strconv.ParseFloat(meta["lng"], 64)
	st.UpdatedAt, _ = time.Parse(time.RFC3339, meta["updated"])
	return st
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func metaKey(id types.ID) string {
	return fmt.Sprintf(driverMetaPrefix, string(id))
}

func reservationKey(id types.ID) string {
	return fmt.Sprintf(reservationPrefix, string(id))
}
