package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

func TestPostgresBackend_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)
	ctx := context.Background()

	doc, err := json.Marshal(sampleProfile())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM safety_profiles WHERE user_id = $1")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	p, err := backend.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, []string{"red"}, p.SafeWords)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM safety_profiles")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = backend.Load(ctx, "ghost")
	assert.ErrorIs(t, err, contracts.ErrProfileNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)
	p := sampleProfile()
	p.RiskLevel = contracts.RiskModerate
	p.LastUpdated = time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO safety_profiles")).
		WithArgs("user-1", "moderate", "granted", sqlmock.AnyArg(), p.LastUpdated).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, backend.Save(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS safety_profiles")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresBackend(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
