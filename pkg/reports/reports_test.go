package reports

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
)

var _ = Describe("Filter DSL", func() {
	It("compiles a single status comparison", func() {
		f, err := ParseFilter(`status = direct_push`)
		Expect(err).NotTo(HaveOccurred())
		sql, args, err := f.Compile()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(Equal("(deployments.status = ?)"))
		Expect(args).To(Equal([]any{foureyes.StatusDirectPush}))
	})

	It("normalizes the historical approved alias", func() {
		f, err := ParseFilter(`status = approved`)
		Expect(err).NotTo(HaveOccurred())
		_, args, err := f.Compile()
		Expect(err).NotTo(HaveOccurred())
		Expect(args).To(Equal([]any{foureyes.StatusApprovedPR}))
	})

	It("compiles year into a created_at range", func() {
		f, err := ParseFilter(`year = 2026`)
		Expect(err).NotTo(HaveOccurred())
		sql, args, err := f.Compile()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(ContainSubstring("created_at >= ?"))
		Expect(sql).To(ContainSubstring("created_at < ?"))
		Expect(args).To(HaveLen(2))
		Expect(args[0]).To(Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("chains conditions with and/or", func() {
		f, err := ParseFilter(`team = "payments" and has_four_eyes = false or deployer != "dependabot[bot]"`)
		Expect(err).NotTo(HaveOccurred())
		sql, args, err := f.Compile()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(Equal(
			"(applications.team = ?) AND (deployments.has_four_eyes = ?) OR (deployments.deployer <> ?)"))
		Expect(args).To(Equal([]any{"payments", false, "dependabot[bot]"}))
	})

	It("rejects unknown fields and bad values", func() {
		f, err := ParseFilter(`severity = high`)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = f.Compile()
		Expect(err).To(MatchError(ContainSubstring("unknown field")))

		f, err = ParseFilter(`status = nonsense`)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = f.Compile()
		Expect(err).To(HaveOccurred())

		f, err = ParseFilter(`has_four_eyes = maybe`)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = f.Compile()
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed input", func() {
		_, err := ParseFilter(`status ===`)
		Expect(err).To(HaveOccurred())
	})

	It("accepts empty input as match-all", func() {
		f, err := ParseFilter("  ")
		Expect(err).NotTo(HaveOccurred())
		sql, args, err := f.Compile()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(BeEmpty())
		Expect(args).To(BeEmpty())
	})
})

var _ = Describe("Report store", Ordered, func() {
	var (
		ctx         context.Context
		store       *Store
		appStore    *apps.Store
		deployStore *deployments.Store
		alertStore  *alerts.Store
		app         *apps.Application
	)

	addDeployment := func(platformID string, created time.Time, status foureyes.Status, deployer string) *deployments.Deployment {
		d, _, err := deployStore.CreateIfAbsent(ctx, &deployments.Deployment{
			PlatformID:    platformID,
			ApplicationID: app.ID,
			CreatedAt:     created,
			Deployer:      deployer,
			CommitSHA:     "sha-" + platformID,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(deployStore.SetStatus(ctx, d.ID, status, deployments.SourceSync, deployments.StatusUpdate{})).To(Succeed())
		return d
	}

	BeforeAll(func() {
		ctx = context.Background()
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())

		appStore = apps.NewStore(db)
		deployStore = deployments.NewStore(db)
		alertStore = alerts.NewStore(db)
		Expect(appStore.AutoMigrate()).To(Succeed())
		Expect(deployStore.AutoMigrate()).To(Succeed())
		Expect(alertStore.AutoMigrate()).To(Succeed())
		store = NewStore(db)

		app, err = appStore.Register(ctx, &apps.Application{
			Team: "payments", Environment: "production", Name: "checkout",
		})
		Expect(err).NotTo(HaveOccurred())

		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, status := range []foureyes.Status{
			foureyes.StatusApprovedPR, foureyes.StatusApprovedPR,
			foureyes.StatusDirectPush, foureyes.StatusLegacy,
		} {
			addDeployment(fmt.Sprintf("plat-%d", i), base.Add(time.Duration(i)*time.Hour), status, "alice")
		}
		// A prior-year deployment that must stay out of the 2026 report.
		addDeployment("plat-old", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), foureyes.StatusMissing, "bob")

		// One manual override and one mismatch alert in 2026.
		manual := addDeployment("plat-manual", base.Add(10*time.Hour), foureyes.StatusMissing, "alice")
		Expect(deployStore.SetStatus(ctx, manual.ID, foureyes.StatusManuallyApproved,
			deployments.SourceManual, deployments.StatusUpdate{})).To(Succeed())

		mismatch := addDeployment("plat-mismatch", base.Add(11*time.Hour), foureyes.StatusRepositoryMismatch, "alice")
		_, err = alertStore.Raise(ctx, app.ID, mismatch.ID, "org/forked-svc", "org/svc")
		Expect(err).NotTo(HaveOccurred())
	})

	It("queries deployments through the filter DSL", func() {
		got, err := store.Query(ctx, `status = direct_push`, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].PlatformID).To(Equal("plat-2"))

		got, err = store.Query(ctx, `team = "payments" and year = 2026 and has_four_eyes = true`, 0)
		Expect(err).NotTo(HaveOccurred())
		// approved_pr x2, legacy, manually_approved.
		Expect(got).To(HaveLen(4))

		got, err = store.Query(ctx, `deployer = "bob"`, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
	})

	It("builds the yearly report", func() {
		report, err := store.Yearly(ctx, app.ID, 2026)
		Expect(err).NotTo(HaveOccurred())

		Expect(report.Total).To(Equal(int64(6)))
		Expect(report.StatusCounts[foureyes.StatusApprovedPR]).To(Equal(int64(2)))
		Expect(report.StatusCounts[foureyes.StatusDirectPush]).To(Equal(int64(1)))
		Expect(report.StatusCounts).NotTo(HaveKey(foureyes.StatusMissing), "prior-year rows are excluded")

		Expect(report.Satisfied).To(Equal(int64(4)))
		Expect(report.Exempted).To(Equal(int64(2)), "legacy and manual approval")
		Expect(report.AlertsOpen).To(Equal(int64(1)))

		Expect(report.ManualInterventions).To(HaveLen(1))
		Expect(report.ManualInterventions[0].ToStatus).To(Equal(foureyes.StatusManuallyApproved))
	})

	It("exports CSV with one row per status", func() {
		report, err := store.Yearly(ctx, app.ID, 2026)
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(report.WriteCSV(&buf)).To(Succeed())
		out := buf.String()
		Expect(out).To(HavePrefix("application_id,year,status,count\n"))
		Expect(out).To(ContainSubstring("approved_pr,2"))
		Expect(out).To(ContainSubstring("direct_push,1"))
	})

	It("exports JSON", func() {
		report, err := store.Yearly(ctx, app.ID, 2026)
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(report.WriteJSON(&buf)).To(Succeed())
		Expect(buf.String()).To(ContainSubstring(`"statusCounts"`))
		Expect(buf.String()).To(ContainSubstring(`"year": 2026`))
	})
})
