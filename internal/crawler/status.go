package crawler

import (
	"fmt"
)

// StatusMessage renders the human-readable message shown with a job status.
func StatusMessage(job Job) string {
	switch job.Status {
	case JobStatusCompleted:
		pages, words := 0, 0
		if job.Result != nil {
			pages, words = job.Result.PagesCrawled, job.Result.TotalWords
		}
		return fmt.Sprintf("Crawl complete! %d pages indexed with %s words.", pages, groupThousands(words))
	case JobStatusFailed:
		return fmt.Sprintf("Crawl failed: %s", job.Error)
	case JobStatusRunning:
		return "Crawling in progress..."
	default:
		return "Job queued, starting soon..."
	}
}

func groupThousands(n int) string {
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	s := fmt.Sprintf("%d", n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
