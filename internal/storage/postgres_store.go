package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, fare, status,
	created_at, accepted_at, started_at, completed_at, cancelled_at, cancelled_by, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(s rowScanner) (models.Ride, error) {
	var (
		r           models.Ride
		driverID    sql.NullString
		cancelledBy sql.NullString
		status      string
		accepted    sql.NullTime
		started     sql.NullTime
		completed   sql.NullTime
		cancelled   sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Fare, &status, &r.CreatedAt, &accepted, &started, &completed, &cancelled, &cancelledBy, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	r.DriverID = driverID.String
	r.CancelledBy = models.Role(cancelledBy.String)
	r.Status = models.RideStatus(status)
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, nullString(r.DriverID), r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Fare,
		string(r.Status), r.CreatedAt, nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt),
		nullTime(r.CancelledAt), nullString(string(r.CancelledBy)), r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) ListRequested(ctx context.Context) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at DESC`, string(models.StatusRequested))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transition locks the row for the duration of the check so concurrent accepts
// serialize on Postgres and only the first committer passes validation.
func (p *PostgresStore) Transition(ctx context.Context, id string, to models.RideStatus, actor models.Identity, now time.Time) (after, before models.Ride, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ride{}, models.Ride{}, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err = scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return models.Ride{}, models.Ride{}, err
	}
	r := before
	if err := lifecycle.Apply(&r, to, actor, now); err != nil {
		return before, before, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, accepted_at=$3, started_at=$4, completed_at=$5,
		cancelled_at=$6, cancelled_by=$7, updated_at=$8 WHERE id=$9`,
		nullString(r.DriverID), string(r.Status), nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt),
		nullTime(r.CancelledAt), nullString(string(r.CancelledBy)), r.UpdatedAt, r.ID)
	if err != nil {
		return before, before, fmt.Errorf("update ride %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return before, before, err
	}
	return r, before, nil
}

const driverColumns = `id, lat, lon, rating, online, available, current_ride_id, updated_at`

func scanDriver(s rowScanner) (models.Driver, error) {
	var (
		d       models.Driver
		current sql.NullString
	)
	err := s.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lon, &d.Rating, &d.Online, &d.Available, &current, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.CurrentRideID = current.String
	return d, err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord) (models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `INSERT INTO drivers(id, lat, lon, online, updated_at) VALUES($1,$2,$3,true,now())
		ON CONFLICT (id) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, online=true, updated_at=now()
		RETURNING `+driverColumns, id, loc.Lat, loc.Lon))
}

func (p *PostgresStore) SetAvailability(ctx context.Context, id string, available bool) (models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `INSERT INTO drivers(id, available, online, updated_at) VALUES($1,$2,$2,now())
		ON CONFLICT (id) DO UPDATE SET available=$2, online=drivers.online OR $2, updated_at=now()
		RETURNING `+driverColumns, id, available))
}

// ClaimRide is a single conditional upsert; when the row holds another ride
// the WHERE clause suppresses the update and no row is returned.
func (p *PostgresStore) ClaimRide(ctx context.Context, id, rideID string) (bool, error) {
	var got string
	err := p.db.QueryRowContext(ctx, `INSERT INTO drivers(id, current_ride_id, updated_at) VALUES($1,$2,now())
		ON CONFLICT (id) DO UPDATE SET current_ride_id=$2, updated_at=now()
		WHERE drivers.current_ride_id IS NULL OR drivers.current_ride_id=$2
		RETURNING id`, id, rideID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim driver %s: %w", id, err)
	}
	return true, nil
}

func (p *PostgresStore) ReleaseRide(ctx context.Context, id, rideID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_ride_id=NULL, updated_at=now() WHERE id=$1 AND current_ride_id=$2`, id, rideID)
	return err
}
