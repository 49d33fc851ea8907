package endpoints

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/usage"
)

// defaultUsageWindowDays is the summary window when none is requested.
const defaultUsageWindowDays = 30

// UsageSummaryEndpoint handles GET /usage/summary.
type UsageSummaryEndpoint struct{}

func (e *UsageSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/usage/summary", e.handler
}

func (e *UsageSummaryEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Usage summary
//	@Description	Aggregates the caller's image generation usage and cost per provider over the requested window.
//	@Tags			usage
//	@Produce		json
//	@Param			days	query		int	false	"Window in days (default 30)"
//	@Success		200		{object}	usage.Summary
//	@Failure		400		{object}	ErrorResponse
//	@Router			/usage/summary [get]
func (e *UsageSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	owner := svcctx.OwnerFrom(r.Context())
	if owner == "" {
		owner = r.URL.Query().Get("owner")
		if owner == "" {
			writeError(w, http.StatusBadRequest, "owner is required")
			return
		}
	}

	days := defaultUsageWindowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	// Flush buffered records so the summary reflects work that just
	// finished.
	if rec := svcctx.UsageFrom(r.Context()); rec != nil {
		rec.Flush()
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := st.UsageSummary(r.Context(), owner, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (e *UsageSummaryEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show image generation usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary usage.Summary
			path := fmt.Sprintf("/usage/summary?days=%d", days)
			if err := getClient().Get(cmd.Context(), path, &summary); err != nil {
				return err
			}

			fmt.Printf("Since:  %s\n", summary.Since.Format("2006-01-02"))
			fmt.Printf("Images: %d\n", summary.Images)
			fmt.Printf("Cost:   $%.4f\n", summary.CostUSD)
			if len(summary.ByProvider) > 0 {
				fmt.Println("By provider:")
				names := make([]string, 0, len(summary.ByProvider))
				for name := range summary.ByProvider {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					p := summary.ByProvider[name]
					fmt.Printf("  %-12s %4d images  $%.4f\n", name, p.Images, p.CostUSD)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", defaultUsageWindowDays, "Window in days")
	return cmd
}
