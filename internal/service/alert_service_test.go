package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/audit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/escalation"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
)

type nopNotifier struct{}

func (nopNotifier) Send(ctx context.Context, alert *models.CrisisAlert) (bool, error) { return true, nil }
func (nopNotifier) Broadcast(ctx context.Context, alert *models.CrisisAlert) error    { return nil }

type alertServiceFixture struct {
	service    *AlertService
	mock       sqlmock.Sqlmock
	mr         *miniredis.Miniredis
	dispatcher *recordingDispatcher
	cleanup    func()
}

func newAlertServiceFixture(t *testing.T) *alertServiceFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	alertsRepo := repository.NewAlertsRepository(db, logger)
	tasksRepo := repository.NewEscalationTasksRepository(db, logger)
	activityRepo := repository.NewUserActivityRepository(db, logger)
	auditor := audit.NewAuditor(repository.NewAuditLogRepository(db, logger), 5, 15*time.Minute, logger)

	scheduler := escalation.NewScheduler(tasksRepo, alertsRepo, activityRepo, nopNotifier{}, auditor, escalation.Config{
		InitialWait:     time.Hour,
		ScreeningWait:   24 * time.Hour,
		MaxAttempts:     3,
		BackoffBaseUnit: 24 * time.Hour,
	}, logger)

	cancels := orchestrator.NewCancelFlags(client, "test:cancel:", time.Hour)
	dispatcher := &recordingDispatcher{}
	svc := NewAlertService(alertsRepo, scheduler, cancels, auditor, dispatcher, logger)

	return &alertServiceFixture{
		service:    svc,
		mock:       mock,
		mr:         mr,
		dispatcher: dispatcher,
		cleanup: func() {
			db.Close()
			client.Close()
		},
	}
}

func TestAcknowledge_Success(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE crisis_alerts").
		WithArgs(models.AlertStatusAcknowledged, "counselor-1", sqlmock.AnyArg(), "alert-1", models.AlertStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 确认后随访任务结束
	f.mock.ExpectExec("UPDATE escalation_tasks").
		WithArgs(models.TaskStatusDone, sqlmock.AnyArg(), "alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := f.service.Acknowledge(context.Background(), "alert-1", "counselor-1")
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAcknowledge_NotActive(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE crisis_alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// 失败审计 + 可疑行为检测
	f.mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := f.service.Acknowledge(context.Background(), "alert-1", "counselor-1")
	require.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolve_Success(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE crisis_alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE escalation_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	notes := "resolved after phone contact"
	err := f.service.Resolve(context.Background(), "alert-1", "counselor-1", &notes)
	require.NoError(t, err)

	// 取消标记已设置
	assert.True(t, f.mr.Exists("test:cancel:alert-1"))

	// 发布了解决领域事件
	resolved := f.dispatcher.byName(models.EventAlertResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "alert-1", resolved[0].CorrelationID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolve_MissingResolver(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	err := f.service.Resolve(context.Background(), "alert-1", "", nil)
	assert.Error(t, err)
}

func TestCancel_SetsFlagAndStopsFollowup(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE escalation_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := f.service.Cancel(context.Background(), "alert-7")
	require.NoError(t, err)
	assert.True(t, f.mr.Exists("test:cancel:alert-7"))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListAlerts_PaginationClamped(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	f.mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	// page/size 钳制为 1/100
	f.mock.ExpectQuery("FROM crisis_alerts").
		WithArgs("inst-1", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "institution_id", "risk_level", "urgency",
			"detection_method", "status", "dedupe_key", "created_at",
			"acknowledged_by", "acknowledged_at", "resolved_at", "notes",
		}))

	_, total, err := f.service.ListAlerts(context.Background(), "inst-1", repository.AlertFilters{}, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListAlerts_RequiresInstitution(t *testing.T) {
	f := newAlertServiceFixture(t)
	defer f.cleanup()

	_, _, err := f.service.ListAlerts(context.Background(), "", repository.AlertFilters{}, 1, 20)
	assert.Error(t, err)
}
